package config

import (
	"github.com/danmuck/edgegate/internal/amop"
	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/p2p"
	"github.com/danmuck/edgegate/internal/protocol/session"
)

// SessionConfig maps the [p2p] timing and [p2p.tls] sections.
func (c Config) SessionConfig() session.Config {
	s := session.DefaultConfig()
	s.HeartbeatInterval = c.P2P.HeartbeatInterval.Duration
	s.SessionDeadAfter = c.P2P.SessionDeadAfter.Duration
	s.SendTimeout = c.Gateway.SendTimeout.Duration
	s.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(c.P2P.SecurityMode))
	s.TLS = session.TLSConfig{
		Enabled:  c.P2P.TLS.Enabled,
		Mutual:   c.P2P.TLS.Mutual,
		SMSSL:    c.P2P.TLS.SMSSL,
		CAFile:   c.P2P.TLS.CAFile,
		CertFile: c.P2P.TLS.CertFile,
		KeyFile:  c.P2P.TLS.KeyFile,
	}
	return s.WithDefaults()
}

// P2PConfig builds the transport config with the static peers from the
// nodes file.
func (c Config) P2PConfig() (p2p.Config, error) {
	eps, err := LoadNodesFile(c.NodesFilePath())
	if err != nil {
		return p2p.Config{}, err
	}
	peers := make([]string, 0, len(eps))
	for _, ep := range eps {
		peers = append(peers, ep.String())
	}
	pc := p2p.DefaultConfig()
	pc.P2PID = c.P2P.P2PID
	pc.ListenAddr = c.ListenAddr()
	pc.Peers = peers
	pc.ThreadPoolSize = c.P2P.ThreadPoolSize
	pc.Session = c.SessionConfig()
	return pc, nil
}

func (c Config) GatewayConfig() gateway.Config {
	gc := gateway.DefaultConfig()
	gc.SendTimeout = c.Gateway.SendTimeout.Duration
	gc.StatusSyncInterval = c.Gateway.StatusSyncInterval.Duration
	return gc
}

func (c Config) AMOPConfig() amop.Config {
	ac := amop.DefaultConfig()
	ac.TopicSyncInterval = c.AMOP.TopicSyncInterval.Duration
	ac.SendTimeout = c.Gateway.SendTimeout.Duration
	return ac
}
