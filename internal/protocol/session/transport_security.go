package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode = errors.New("session: invalid security mode")
	ErrTLSRequired         = errors.New("session: tls required")
	ErrMTLSRequired        = errors.New("session: mtls required")
	ErrTLSCertFileRequired = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("session: tls key file required")
	ErrTLSCAFileRequired   = errors.New("session: tls ca file required")
	ErrSMSSLUnsupported    = errors.New("session: sm_ssl not supported")
	ErrUntrustedPeer       = errors.New("session: peer certificate not signed by ca")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	m := strings.ToLower(strings.TrimSpace(string(mode)))
	if m == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(m)
}

// ValidateTransport checks the TLS policy. A gateway accepts and dials with
// the same certificate set, so cert, key and CA are all needed once TLS is on.
func (c Config) ValidateTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	if mode != SecurityModeDevelopment && mode != SecurityModeProduction {
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if c.TLS.SMSSL {
		return ErrSMSSLUnsupported
	}
	switch {
	case mode == SecurityModeProduction && !c.TLS.Enabled:
		return ErrTLSRequired
	case mode == SecurityModeProduction && !c.TLS.Mutual:
		return ErrMTLSRequired
	case c.TLS.Mutual && !c.TLS.Enabled:
		return ErrTLSRequired
	case !c.TLS.Enabled:
		return nil
	}
	required := []struct {
		path string
		err  error
	}{
		{c.TLS.CertFile, ErrTLSCertFileRequired},
		{c.TLS.KeyFile, ErrTLSKeyFileRequired},
		{c.TLS.CAFile, ErrTLSCAFileRequired},
	}
	for _, r := range required {
		if strings.TrimSpace(r.path) == "" {
			return r.err
		}
	}
	return nil
}

// material is the loaded certificate set shared by both session directions.
type material struct {
	cert tls.Certificate
	pool *x509.CertPool
}

func (c Config) loadMaterial() (material, error) {
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return material{}, fmt.Errorf("session: load keypair: %w", err)
	}
	raw, err := os.ReadFile(c.TLS.CAFile)
	if err != nil {
		return material{}, fmt.Errorf("session: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return material{}, fmt.Errorf("session: parse tls ca bundle: %s", c.TLS.CAFile)
	}
	return material{cert: cert, pool: pool}, nil
}

// ServerTLSConfig builds the accepting side. Client certs are demanded when
// mutual TLS is on or the mode is production.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	m, err := c.loadMaterial()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{m.cert},
	}
	if c.TLS.Mutual || NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = m.pool
	}
	return cfg, nil
}

// ClientTLSConfig builds the dialing side. Peers are dialed by whatever
// address the nodes file lists, so the chain is verified against the CA but
// the host name is not; the CN to p2p id check happens after the handshake.
func (c Config) ClientTLSConfig(host string) (*tls.Config, error) {
	m, err := c.loadMaterial()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         host,
		InsecureSkipVerify: true,
		VerifyConnection:   verifyChain(m.pool),
	}
	if c.TLS.Mutual {
		cfg.Certificates = []tls.Certificate{m.cert}
	}
	return cfg, nil
}

func verifyChain(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return ErrUntrustedPeer
		}
		inter := x509.NewCertPool()
		for _, cert := range cs.PeerCertificates[1:] {
			inter.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: inter,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUntrustedPeer, err)
		}
		return nil
	}
}

// PeerIdentityFromCert prefers CN, then URI SAN, then DNS SAN.
func PeerIdentityFromCert(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	for _, u := range cert.URIs {
		if v := strings.TrimSpace(u.String()); v != "" {
			return v
		}
	}
	for _, name := range cert.DNSNames {
		if v := strings.TrimSpace(name); v != "" {
			return v
		}
	}
	return ""
}
