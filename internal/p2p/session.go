package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/frame"
	"github.com/danmuck/edgegate/internal/protocol/session"
)

var ErrPeerNotConnected = errors.New("p2p: peer not connected")

// PeerInfo describes one live session.
type PeerInfo struct {
	PeerID      string    `json:"peerID"`
	RemoteAddr  string    `json:"remoteAddr"`
	ListenAddr  string    `json:"listenAddr"`
	Inbound     bool      `json:"inbound"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type peerSession struct {
	info    PeerInfo
	conn    net.Conn
	limits  frame.Limits
	timeout time.Duration
	// dialer is the p2p id of the side that opened the connection.
	dialer string

	writeMu sync.Mutex
	pending *session.PendingTable

	// inbound holds decoded frames waiting for a worker.
	inbound chan func()

	lastRecv  atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

func newPeerSession(info PeerInfo, conn net.Conn, dialer string, limits frame.Limits, writeTimeout time.Duration, queue int) *peerSession {
	s := &peerSession{
		info:    info,
		conn:    conn,
		limits:  limits,
		timeout: writeTimeout,
		dialer:  dialer,
		pending: session.NewPendingTable(),
		inbound: make(chan func(), queue),
		done:    make(chan struct{}),
	}
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

func (s *peerSession) write(f frame.Frame) error {
	select {
	case <-s.done:
		return session.ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := frame.WriteFrame(s.conn, f, s.limits); err != nil {
		return fmt.Errorf("p2p: write peer=%s: %w", s.info.PeerID, err)
	}
	observability.RecordFrame("out", protocol.PacketName(f.Header.PacketType))
	return nil
}

// request writes f and waits for the response carrying the same seq.
func (s *peerSession) request(ctx context.Context, f frame.Frame) ([]byte, error) {
	ch, err := s.pending.Add(f.Header.Seq)
	if err != nil {
		return nil, err
	}
	if err := s.write(f); err != nil {
		s.pending.Remove(f.Header.Seq)
		return nil, err
	}
	select {
	case <-ctx.Done():
		s.pending.Remove(f.Header.Seq)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, session.ErrSessionClosed
		}
		return resp.Payload, nil
	}
}

func (s *peerSession) touch() {
	s.lastRecv.Store(time.Now().UnixNano())
}

func (s *peerSession) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastRecv.Load()))
}

func (s *peerSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.pending.Close()
	})
}
