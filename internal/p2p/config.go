package p2p

import (
	"strings"

	"github.com/danmuck/edgegate/internal/protocol/frame"
	"github.com/danmuck/edgegate/internal/protocol/session"
)

type Config struct {
	P2PID          string
	ListenAddr     string
	Peers          []string
	ThreadPoolSize int
	Limits         frame.Limits
	Session        session.Config

	// InboundQueue bounds the frames one session may hold while all
	// workers are busy. Frames beyond it are dropped.
	InboundQueue int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     "0.0.0.0:30300",
		ThreadPoolSize: 16,
		InboundQueue:   1024,
		Limits:         frame.DefaultLimits(),
		Session:        session.DefaultConfig(),
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.ThreadPoolSize <= 0 {
		c.ThreadPoolSize = d.ThreadPoolSize
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = d.InboundQueue
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	c.Session = c.Session.WithDefaults()
	return c
}
