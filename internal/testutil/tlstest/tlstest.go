// Package tlstest issues throwaway CA and gateway certificates for session tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// Authority is a test CA that writes its material under one directory.
type Authority struct {
	dir    string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	serial atomic.Int64
}

// PeerFiles are the PEM paths for one gateway identity.
type PeerFiles struct {
	Cert string
	Key  string
}

func NewAuthority(t testing.TB, dir string, name string) *Authority {
	t.Helper()
	key := newKey(t)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"edgegate"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(12 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("tlstest: create ca: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("tlstest: parse ca: %v", err)
	}
	a := &Authority{dir: dir, cert: cert, key: key}
	a.serial.Store(1)
	a.write(t, "ca.crt", "CERTIFICATE", der, 0o644)
	return a
}

func (a *Authority) CAFile() string {
	return filepath.Join(a.dir, "ca.crt")
}

// IssuePeerCert issues a cert for both ends of a peer session. The CN carries
// the p2p id; loopback names are always present.
func (a *Authority) IssuePeerCert(t testing.TB, p2pID string) PeerFiles {
	t.Helper()
	key := newKey(t)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(a.serial.Add(1)),
		Subject:      pkix.Name{CommonName: p2pID},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("tlstest: sign %s: %v", p2pID, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("tlstest: marshal key %s: %v", p2pID, err)
	}
	base := fileBase(p2pID)
	return PeerFiles{
		Cert: a.write(t, base+".crt", "CERTIFICATE", der, 0o644),
		Key:  a.write(t, base+".key", "EC PRIVATE KEY", keyDER, 0o600),
	}
}

func (a *Authority) write(t testing.TB, name, blockType string, der []byte, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), perm); err != nil {
		t.Fatalf("tlstest: write %s: %v", name, err)
	}
	return path
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("tlstest: generate key: %v", err)
	}
	return key
}

func fileBase(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "peer"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(id)
}
