package p2p

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// AddPeers registers dial addresses. Each new address gets one dial loop that
// reconnects with backoff after failures or dropped sessions.
func (s *Service) AddPeers(addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := s.dialing[addr]; ok {
			continue
		}
		s.dialing[addr] = struct{}{}
		if s.runCtx == nil {
			s.pendingAddrs = append(s.pendingAddrs, addr)
			continue
		}
		s.startDialerLocked(addr)
	}
}

// DialAddrs lists every address with a dial loop, started or pending.
func (s *Service) DialAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.dialing))
	for addr := range s.dialing {
		out = append(out, addr)
	}
	return out
}

func (s *Service) startDialerLocked(addr string) {
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dialLoop(ctx, addr)
	}()
}

func (s *Service) dialLoop(ctx context.Context, addr string) {
	attempt := 0
	for ctx.Err() == nil {
		if s.addrCovered(addr) {
			if !sleepCtx(ctx, s.cfg.Session.HeartbeatInterval) {
				return
			}
			continue
		}
		conn, err := s.dial(ctx, addr)
		if err != nil {
			attempt++
			delay := s.backoff(attempt)
			log.Debug().Str("addr", addr).Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("p2p.Service.dialLoop dial failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		s.trackConn(conn)
		established, err := s.handleConn(ctx, conn, addr)
		if errors.Is(err, ErrSelfConnection) {
			log.Info().Str("addr", addr).Msg("p2p.Service.dialLoop address is self, stop dialing")
			return
		}
		if established {
			attempt = 0
		}
		attempt++
		if !sleepCtx(ctx, s.backoff(attempt)) {
			return
		}
	}
}

func (s *Service) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: s.cfg.Session.ConnectTimeout}
	if !s.cfg.Session.TLS.Enabled {
		return d.DialContext(ctx, "tcp", addr)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := s.cfg.Session.ClientTLSConfig(host)
	if err != nil {
		return nil, err
	}
	td := &tls.Dialer{NetDialer: d, Config: tlsCfg}
	return td.DialContext(ctx, "tcp", addr)
}

func (s *Service) rememberAddr(addr, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrPeer[addr] = peerID
}

// addrCovered reports whether the peer last reached at addr is connected,
// through this address or any other session.
func (s *Service) addrCovered(addr string) bool {
	s.mu.Lock()
	peerID, ok := s.addrPeer[addr]
	s.mu.Unlock()
	if !ok {
		return false
	}
	_, live := s.session(peerID)
	return live
}

func (s *Service) backoff(attempt int) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return session.NextBackoffDelay(s.cfg.Session.Backoff, attempt, s.rng)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
