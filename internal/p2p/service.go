package p2p

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/frame"
	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

// Responder answers an inbound frame with a response carrying its seq.
type Responder = func(payload []byte) error

// Handler processes one inbound non-response frame from peerID.
type Handler = func(ctx context.Context, peerID string, f frame.Frame, respond Responder)

// Service is the peer transport of one gateway.
type Service struct {
	cfg  Config
	seq  atomic.Uint32
	pool *ants.Pool

	handlersMu sync.RWMutex
	handlers   map[uint16]Handler

	hooksMu      sync.RWMutex
	onConnect    []func(peerID string)
	onDisconnect []func(peerID string)

	sessionsMu sync.RWMutex
	sessions   map[string]*peerSession

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	mu           sync.Mutex
	runCtx       context.Context
	cancel       context.CancelFunc
	advertise    string
	dialing      map[string]struct{}
	addrPeer     map[string]string
	pendingAddrs []string

	rngMu sync.Mutex
	rng   *rand.Rand

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(cfg Config) (*Service, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.P2PID) == "" {
		return nil, fmt.Errorf("p2p: p2p id required")
	}
	if err := cfg.Session.ValidateTransport(); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(cfg.ThreadPoolSize,
		ants.WithPreAlloc(true),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.ThreadPoolSize*64),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("p2p.Service handler panic")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create p2p worker pool: %w", err)
	}
	s := &Service{
		cfg:       cfg,
		pool:      pool,
		handlers:  make(map[uint16]Handler),
		sessions:  make(map[string]*peerSession),
		conns:     make(map[net.Conn]struct{}),
		advertise: cfg.ListenAddr,
		dialing:   make(map[string]struct{}),
		addrPeer:  make(map[string]string),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.AddPeers(cfg.Peers...)
	return s, nil
}

func (s *Service) P2PID() string {
	return s.cfg.P2PID
}

func (s *Service) RegisterHandler(packetType uint16, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[packetType] = h
}

func (s *Service) OnPeerConnected(fn func(peerID string)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

func (s *Service) OnPeerDisconnected(fn func(peerID string)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// Run listens on the configured address and serves until SIGINT/SIGTERM or
// ctx cancellation.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Str("p2p_id", s.cfg.P2PID).Msg("p2p.Service.Run listening")
	return s.Serve(ctx, ln)
}

// Listen opens a TCP or TLS listener per the transport policy.
func (s *Service) Listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts peer sessions on ln and starts dialing known peers.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx = s.begin(ctx, ln.Addr().String())
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.handleConn(ctx, conn, ""); err != nil && ctx.Err() == nil {
				log.Debug().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("p2p.Service.Serve session ended")
			}
		}()
	}
}

func (s *Service) begin(ctx context.Context, addr string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	if host, port, err := net.SplitHostPort(s.cfg.ListenAddr); err == nil && port == "0" {
		if _, realPort, err := net.SplitHostPort(addr); err == nil {
			s.advertise = net.JoinHostPort(host, realPort)
		}
	}
	for _, a := range s.pendingAddrs {
		s.startDialerLocked(a)
	}
	s.pendingAddrs = nil
	return s.runCtx
}

// Close stops accepting and dialing, drops every session and drains the
// worker pool.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		s.closeAllConns()
		s.wg.Wait()
		if err := s.pool.ReleaseTimeout(5 * time.Second); err != nil {
			log.Warn().Err(err).Msg("p2p.Service.Close release pool")
		}
	})
}

// handleConn runs one connection from handshake to teardown. It reports
// whether the session was registered.
func (s *Service) handleConn(ctx context.Context, conn net.Conn, dialAddr string) (bool, error) {
	defer conn.Close()
	defer s.untrackConn(conn)
	inbound := dialAddr == ""
	remote := conn.RemoteAddr().String()

	certID, err := s.authenticate(ctx, conn)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("p2p.Service.handleConn transport auth")
		return false, err
	}

	reader := frame.NewReader(conn, s.cfg.Limits)
	hs, err := s.exchangeHandshake(conn, reader)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("p2p.Service.handleConn handshake")
		return false, err
	}
	if hs.P2PID == s.cfg.P2PID {
		log.Info().Str("remote", remote).Msg("p2p.Service.handleConn self connection")
		return false, ErrSelfConnection
	}
	if certID != "" && certID != hs.P2PID {
		log.Warn().Str("remote", remote).Str("p2p_id", hs.P2PID).Str("cert_id", certID).Msg("p2p.Service.handleConn identity mismatch")
		return false, fmt.Errorf("%w: cert=%s declared=%s", ErrIdentityMismatch, certID, hs.P2PID)
	}

	dialer := s.cfg.P2PID
	if inbound {
		dialer = hs.P2PID
	} else {
		s.rememberAddr(dialAddr, hs.P2PID)
	}
	sess := newPeerSession(PeerInfo{
		PeerID:      hs.P2PID,
		RemoteAddr:  remote,
		ListenAddr:  hs.ListenAddr,
		Inbound:     inbound,
		ConnectedAt: time.Now(),
	}, conn, dialer, s.cfg.Limits, s.cfg.Session.WriteTimeout, s.cfg.InboundQueue)
	if err := s.register(sess); err != nil {
		log.Debug().Str("peer", hs.P2PID).Str("remote", remote).Bool("inbound", inbound).Msg("p2p.Service.handleConn duplicate session closed")
		return false, err
	}
	observability.SessionOpened()
	log.Info().Str("peer", hs.P2PID).Str("remote", remote).Bool("inbound", inbound).Msg("p2p.Service.handleConn session established")
	defer s.unregister(sess)

	s.fire(s.connectHooks(), hs.P2PID)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(ctx, sess)
	}()
	go func() {
		defer s.wg.Done()
		s.pump(ctx, sess)
	}()
	err = s.readLoop(ctx, sess, reader)
	log.Info().Str("peer", hs.P2PID).Str("remote", remote).Err(err).Msg("p2p.Service.handleConn session closed")
	return true, err
}

// authenticate completes the TLS handshake and returns the peer certificate
// identity when mutual TLS is on.
func (s *Service) authenticate(ctx context.Context, conn net.Conn) (string, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return "", session.ErrTLSRequired
		}
		return "", nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("p2p: expected tls connection")
	}
	hctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return "", err
	}
	if !s.cfg.Session.TLS.Mutual {
		return "", nil
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", session.ErrMTLSRequired
	}
	id := session.PeerIdentityFromCert(state.PeerCertificates[0])
	if id == "" {
		return "", fmt.Errorf("p2p: empty peer identity from certificate")
	}
	return id, nil
}

func (s *Service) exchangeHandshake(conn net.Conn, reader *frame.Reader) (handshake, error) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	s.mu.Lock()
	advertise := s.advertise
	s.mu.Unlock()
	out := frame.Frame{
		Header: frame.Header{PacketType: protocol.Handshake},
		Payload: encodeHandshake(handshake{
			P2PID:      s.cfg.P2PID,
			ListenAddr: advertise,
			Version:    HandshakeVersion,
		}),
	}
	if err := frame.WriteFrame(conn, out, s.cfg.Limits); err != nil {
		return handshake{}, err
	}
	in, err := reader.ReadFrame()
	if err != nil {
		return handshake{}, err
	}
	if in.Header.PacketType != protocol.Handshake {
		return handshake{}, fmt.Errorf("%w: unexpected packet %s", ErrHandshake, protocol.PacketName(in.Header.PacketType))
	}
	return decodeHandshake(in.Payload)
}

// register installs sess unless a session for the peer already exists. When
// two race, both ends keep the one dialed by the lower p2p id.
func (s *Service) register(sess *peerSession) error {
	s.sessionsMu.Lock()
	existing, ok := s.sessions[sess.info.PeerID]
	if ok && !(s.preferred(sess) && !s.preferred(existing)) {
		s.sessionsMu.Unlock()
		return fmt.Errorf("%w: peer=%s", ErrDuplicateSession, sess.info.PeerID)
	}
	s.sessions[sess.info.PeerID] = sess
	s.sessionsMu.Unlock()
	if ok {
		existing.close()
	}
	return nil
}

func (s *Service) preferred(sess *peerSession) bool {
	low := s.cfg.P2PID
	if sess.info.PeerID < low {
		low = sess.info.PeerID
	}
	return sess.dialer == low
}

// unregister drops sess; hooks fire only if it was still the live session.
func (s *Service) unregister(sess *peerSession) {
	sess.close()
	s.sessionsMu.Lock()
	cur, ok := s.sessions[sess.info.PeerID]
	removed := ok && cur == sess
	if removed {
		delete(s.sessions, sess.info.PeerID)
	}
	s.sessionsMu.Unlock()
	observability.SessionClosed()
	if removed {
		s.fire(s.disconnectHooks(), sess.info.PeerID)
	}
}

func (s *Service) readLoop(ctx context.Context, sess *peerSession, reader *frame.Reader) error {
	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.SessionDeadAfter))
		f, err := reader.ReadFrame()
		if err != nil {
			return err
		}
		sess.touch()
		observability.RecordFrame("in", protocol.PacketName(f.Header.PacketType))
		switch {
		case f.Header.PacketType == protocol.Heartbeat:
			if _, err := decodeHeartbeat(f.Payload); err != nil {
				log.Debug().Str("peer", sess.info.PeerID).Err(err).Msg("p2p.Service.readLoop bad heartbeat")
			}
		case f.IsResponse():
			if !sess.pending.Complete(f) {
				log.Debug().Str("peer", sess.info.PeerID).Uint32("seq", f.Header.Seq).Msg("p2p.Service.readLoop late response dropped")
			}
		default:
			s.dispatch(ctx, sess, f)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, sess *peerSession, f frame.Frame) {
	s.handlersMu.RLock()
	h := s.handlers[f.Header.PacketType]
	s.handlersMu.RUnlock()
	if h == nil {
		log.Debug().
			Str("peer", sess.info.PeerID).
			Str("packet", protocol.PacketName(f.Header.PacketType)).
			Msg("p2p.Service.dispatch no handler")
		return
	}
	peerID := sess.info.PeerID
	respond := func(payload []byte) error {
		return sess.write(frame.Frame{
			Header: frame.Header{
				PacketType: f.Header.PacketType,
				Seq:        f.Header.Seq,
				Ext:        frame.ExtResponse,
			},
			Payload: payload,
		})
	}
	select {
	case sess.inbound <- func() { h(ctx, peerID, f, respond) }:
	default:
		observability.RecordFrame("dropped", protocol.PacketName(f.Header.PacketType))
		log.Warn().
			Str("peer", peerID).
			Str("packet", protocol.PacketName(f.Header.PacketType)).
			Int("queue", cap(sess.inbound)).
			Msg("p2p.Service.dispatch inbound queue full, frame dropped")
	}
}

// pump feeds one session's queued frames to the worker pool. It is the only
// goroutine that waits on busy workers, so the read loop keeps decoding.
func (s *Service) pump(ctx context.Context, sess *peerSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case task := <-sess.inbound:
			if err := s.pool.Submit(task); err != nil {
				log.Warn().Str("peer", sess.info.PeerID).Err(err).Msg("p2p.Service.pump worker pool rejected frame")
			}
		}
	}
}

func (s *Service) heartbeatLoop(ctx context.Context, sess *peerSession) {
	ticker := time.NewTicker(s.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case now := <-ticker.C:
			if sess.idle() > s.cfg.Session.SessionDeadAfter {
				log.Warn().Str("peer", sess.info.PeerID).Msg("p2p.Service.heartbeatLoop session dead")
				sess.close()
				return
			}
			err := sess.write(frame.Frame{
				Header:  frame.Header{PacketType: protocol.Heartbeat, Seq: s.nextSeq()},
				Payload: encodeHeartbeat(now),
			})
			if err != nil {
				sess.close()
				return
			}
		}
	}
}

func (s *Service) nextSeq() uint32 {
	for {
		if v := s.seq.Add(1); v != 0 {
			return v
		}
	}
}

func (s *Service) session(peerID string) (*peerSession, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	sess, ok := s.sessions[peerID]
	return sess, ok
}

// Request sends payload and waits for the peer's response. Without a ctx
// deadline the session send timeout applies.
func (s *Service) Request(ctx context.Context, peerID string, packetType uint16, payload []byte) ([]byte, error) {
	sess, ok := s.session(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Session.SendTimeout)
		defer cancel()
	}
	return sess.request(ctx, frame.Frame{
		Header:  frame.Header{PacketType: packetType, Seq: s.nextSeq()},
		Payload: payload,
	})
}

// Notify sends payload without waiting for a response.
func (s *Service) Notify(peerID string, packetType uint16, payload []byte) error {
	sess, ok := s.session(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	return sess.write(frame.Frame{
		Header:  frame.Header{PacketType: packetType, Seq: s.nextSeq()},
		Payload: payload,
	})
}

func (s *Service) SendToPeers(peerIDs []string, packetType uint16, payload []byte) {
	for _, peerID := range peerIDs {
		if err := s.Notify(peerID, packetType, payload); err != nil {
			log.Debug().Str("peer", peerID).Str("packet", protocol.PacketName(packetType)).Err(err).Msg("p2p.Service.SendToPeers")
		}
	}
}

func (s *Service) Broadcast(packetType uint16, payload []byte) {
	s.SendToPeers(s.peerIDs(), packetType, payload)
}

func (s *Service) peerIDs() []string {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConnectedPeers lists live sessions ordered by peer id.
func (s *Service) ConnectedPeers() []PeerInfo {
	s.sessionsMu.RLock()
	out := make([]PeerInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info)
	}
	s.sessionsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (s *Service) connectHooks() []func(string) {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return slices.Clone(s.onConnect)
}

func (s *Service) disconnectHooks() []func(string) {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return slices.Clone(s.onDisconnect)
}

func (s *Service) fire(hooks []func(string), peerID string) {
	for _, fn := range hooks {
		fn(peerID)
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
