package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the gateway's config.toml.
type Config struct {
	P2P       P2PConfig       `toml:"p2p"`
	Gateway   GatewayConfig   `toml:"gateway"`
	AMOP      AMOPConfig      `toml:"amop"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Admin     AdminConfig     `toml:"admin"`
}

type P2PConfig struct {
	P2PID             string    `toml:"p2p_id"`
	ListenIP          string    `toml:"listen_ip"`
	ListenPort        int       `toml:"listen_port"`
	NodesPath         string    `toml:"nodes_path"`
	NodesFile         string    `toml:"nodes_file"`
	ThreadPoolSize    int       `toml:"thread_pool_size"`
	HeartbeatInterval Duration  `toml:"heartbeat_interval"`
	SessionDeadAfter  Duration  `toml:"session_dead_after"`
	SecurityMode      string    `toml:"security_mode"`
	TLS               TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Mutual   bool   `toml:"mutual"`
	SMSSL    bool   `toml:"sm_ssl"`
	CAFile   string `toml:"ca_file"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type GatewayConfig struct {
	StatusSyncInterval Duration `toml:"status_sync_interval"`
	SendTimeout        Duration `toml:"send_timeout"`
}

type AMOPConfig struct {
	TopicSyncInterval Duration `toml:"topic_sync_interval"`
}

type DiscoveryConfig struct {
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	EtcdPrefix    string   `toml:"etcd_prefix"`
	LeaseTTL      Duration `toml:"lease_ttl"`

	// AdvertiseAddr is published to etcd; empty uses the p2p listen address.
	AdvertiseAddr  string   `toml:"advertise_addr"`
	ReloadInterval Duration `toml:"nodes_reload_interval"`
}

type AdminConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	Token       string   `toml:"token"`
	CorsOrigins []string `toml:"cors_origins"`
}

func Default() Config {
	return Config{
		P2P: P2PConfig{
			ListenIP:          "0.0.0.0",
			ListenPort:        30300,
			NodesPath:         "./",
			NodesFile:         "nodes.json",
			ThreadPoolSize:    16,
			HeartbeatInterval: D(5 * time.Second),
			SessionDeadAfter:  D(15 * time.Second),
			SecurityMode:      "development",
		},
		Gateway: GatewayConfig{
			StatusSyncInterval: D(3 * time.Second),
			SendTimeout:        D(10 * time.Second),
		},
		AMOP: AMOPConfig{
			TopicSyncInterval: D(2 * time.Second),
		},
		Discovery: DiscoveryConfig{
			EtcdEndpoints:  []string{},
			EtcdPrefix:     "/edgegate/peers/",
			LeaseTTL:       D(10 * time.Second),
			ReloadInterval: D(10 * time.Second),
		},
		Admin: AdminConfig{
			ListenAddr:  "127.0.0.1:8545",
			CorsOrigins: []string{},
		},
	}
}

// Load decodes path and overlays only the keys it defines onto Default.
// Relative file paths resolve against the config file's directory.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load gateway config: %w", err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Str("key", key.String()).Str("path", path).Msg("config.Load unknown key")
	}

	p := func(key string) bool { return meta.IsDefined("p2p", key) }
	if p("p2p_id") {
		cfg.P2P.P2PID = strings.TrimSpace(raw.P2P.P2PID)
	}
	if p("listen_ip") {
		cfg.P2P.ListenIP = strings.TrimSpace(raw.P2P.ListenIP)
	}
	if p("listen_port") {
		cfg.P2P.ListenPort = raw.P2P.ListenPort
	}
	if p("nodes_path") {
		cfg.P2P.NodesPath = strings.TrimSpace(raw.P2P.NodesPath)
	}
	if p("nodes_file") {
		cfg.P2P.NodesFile = strings.TrimSpace(raw.P2P.NodesFile)
	}
	if p("thread_pool_size") {
		cfg.P2P.ThreadPoolSize = raw.P2P.ThreadPoolSize
	}
	if p("heartbeat_interval") {
		cfg.P2P.HeartbeatInterval = raw.P2P.HeartbeatInterval
	}
	if p("session_dead_after") {
		cfg.P2P.SessionDeadAfter = raw.P2P.SessionDeadAfter
	}
	if p("security_mode") {
		cfg.P2P.SecurityMode = strings.TrimSpace(raw.P2P.SecurityMode)
	}

	tlsKey := func(key string) bool { return meta.IsDefined("p2p", "tls", key) }
	if tlsKey("enabled") {
		cfg.P2P.TLS.Enabled = raw.P2P.TLS.Enabled
	}
	if tlsKey("mutual") {
		cfg.P2P.TLS.Mutual = raw.P2P.TLS.Mutual
	}
	if tlsKey("sm_ssl") {
		cfg.P2P.TLS.SMSSL = raw.P2P.TLS.SMSSL
	}
	if tlsKey("ca_file") {
		cfg.P2P.TLS.CAFile = resolve(path, raw.P2P.TLS.CAFile)
	}
	if tlsKey("cert_file") {
		cfg.P2P.TLS.CertFile = resolve(path, raw.P2P.TLS.CertFile)
	}
	if tlsKey("key_file") {
		cfg.P2P.TLS.KeyFile = resolve(path, raw.P2P.TLS.KeyFile)
	}

	if meta.IsDefined("gateway", "status_sync_interval") {
		cfg.Gateway.StatusSyncInterval = raw.Gateway.StatusSyncInterval
	}
	if meta.IsDefined("gateway", "send_timeout") {
		cfg.Gateway.SendTimeout = raw.Gateway.SendTimeout
	}
	if meta.IsDefined("amop", "topic_sync_interval") {
		cfg.AMOP.TopicSyncInterval = raw.AMOP.TopicSyncInterval
	}

	if meta.IsDefined("discovery", "etcd_endpoints") {
		cfg.Discovery.EtcdEndpoints = trimAll(raw.Discovery.EtcdEndpoints)
	}
	if meta.IsDefined("discovery", "etcd_prefix") {
		cfg.Discovery.EtcdPrefix = strings.TrimSpace(raw.Discovery.EtcdPrefix)
	}
	if meta.IsDefined("discovery", "lease_ttl") {
		cfg.Discovery.LeaseTTL = raw.Discovery.LeaseTTL
	}
	if meta.IsDefined("discovery", "advertise_addr") {
		cfg.Discovery.AdvertiseAddr = strings.TrimSpace(raw.Discovery.AdvertiseAddr)
	}
	if meta.IsDefined("discovery", "nodes_reload_interval") {
		cfg.Discovery.ReloadInterval = raw.Discovery.ReloadInterval
	}

	if meta.IsDefined("admin", "listen_addr") {
		cfg.Admin.ListenAddr = strings.TrimSpace(raw.Admin.ListenAddr)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = trimAll(raw.Admin.CorsOrigins)
	}

	cfg.P2P.NodesPath = resolve(path, cfg.P2P.NodesPath)
	if cfg.P2P.P2PID == "" {
		cfg.P2P.P2PID = uuid.NewString()
		log.Warn().Str("p2p_id", cfg.P2P.P2PID).Msg("config.Load p2p_id not set, generated one")
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	log.Info().
		Str("path", path).
		Str("p2p_id", cfg.P2P.P2PID).
		Str("listen", cfg.ListenAddr()).
		Bool("tls", cfg.P2P.TLS.Enabled).
		Msg("config.Load ok")
	return cfg, nil
}

// Validate checks ranges, TLS material and the nodes file.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.P2P.P2PID) == "" {
		return fmt.Errorf("%w: p2p.p2p_id is required", ErrInvalidConfig)
	}
	if net.ParseIP(cfg.P2P.ListenIP) == nil {
		return fmt.Errorf("%w: p2p.listen_ip %q is not an ip address", ErrInvalidConfig, cfg.P2P.ListenIP)
	}
	if !ValidPort(cfg.P2P.ListenPort) {
		return fmt.Errorf("%w: p2p.listen_port %d must be in (1024, 65535]", ErrInvalidConfig, cfg.P2P.ListenPort)
	}
	if cfg.P2P.ThreadPoolSize <= 0 {
		return fmt.Errorf("%w: p2p.thread_pool_size must be > 0", ErrInvalidConfig)
	}
	for name, d := range map[string]Duration{
		"p2p.heartbeat_interval":       cfg.P2P.HeartbeatInterval,
		"p2p.session_dead_after":       cfg.P2P.SessionDeadAfter,
		"gateway.status_sync_interval": cfg.Gateway.StatusSyncInterval,
		"gateway.send_timeout":         cfg.Gateway.SendTimeout,
		"amop.topic_sync_interval":     cfg.AMOP.TopicSyncInterval,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, name)
		}
	}
	if cfg.P2P.SessionDeadAfter.Duration <= cfg.P2P.HeartbeatInterval.Duration {
		return fmt.Errorf("%w: p2p.session_dead_after must exceed p2p.heartbeat_interval", ErrInvalidConfig)
	}
	if err := cfg.SessionConfig().ValidateTransport(); err != nil {
		return fmt.Errorf("%w: p2p.tls: %w", ErrInvalidConfig, err)
	}
	if cfg.P2P.TLS.Enabled {
		for _, f := range []string{cfg.P2P.TLS.CertFile, cfg.P2P.TLS.KeyFile, cfg.P2P.TLS.CAFile} {
			if f == "" {
				continue
			}
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("%w: p2p.tls: %w", ErrInvalidConfig, err)
			}
		}
	}
	if _, err := LoadNodesFile(cfg.NodesFilePath()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(cfg.Discovery.EtcdEndpoints) > 0 {
		if strings.TrimSpace(cfg.Discovery.EtcdPrefix) == "" {
			return fmt.Errorf("%w: discovery.etcd_prefix is required with etcd_endpoints", ErrInvalidConfig)
		}
		if cfg.Discovery.LeaseTTL.Duration < time.Second {
			return fmt.Errorf("%w: discovery.lease_ttl must be >= 1s", ErrInvalidConfig)
		}
	}
	if addr := cfg.Discovery.AdvertiseAddr; addr != "" {
		if _, err := ParseHost(addr); err != nil {
			return fmt.Errorf("%w: discovery.advertise_addr: %w", ErrInvalidConfig, err)
		}
	}
	if addr := strings.TrimSpace(cfg.Admin.ListenAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: admin.listen_addr: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// AdvertiseAddr is the address peers should dial for this gateway.
func (c Config) AdvertiseAddr() string {
	if c.Discovery.AdvertiseAddr != "" {
		return c.Discovery.AdvertiseAddr
	}
	return c.ListenAddr()
}

// ListenAddr joins listen_ip and listen_port.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.P2P.ListenIP, fmt.Sprint(c.P2P.ListenPort))
}

func (c Config) NodesFilePath() string {
	return filepath.Join(c.P2P.NodesPath, c.P2P.NodesFile)
}

func resolve(configPath, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
