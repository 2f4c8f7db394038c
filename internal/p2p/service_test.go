package p2p

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/frame"
	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/danmuck/edgegate/internal/testutil/testlog"
	"github.com/danmuck/edgegate/internal/testutil/tlstest"
)

func fastSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SessionDeadAfter = 2 * time.Second
	cfg.Backoff = session.BackoffConfig{
		InitialDelay: 20 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     200 * time.Millisecond,
		Jitter:       true,
	}
	return cfg
}

func startNode(t *testing.T, cfg Config) (*Service, string) {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.Session.HeartbeatInterval == 0 {
		cfg.Session = fastSession()
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service %s: %v", cfg.P2PID, err)
	}
	ln, err := svc.Listen()
	if err != nil {
		t.Fatalf("listen %s: %v", cfg.P2PID, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		svc.Close()
		if err := <-done; err != nil {
			t.Errorf("serve %s: %v", cfg.P2PID, err)
		}
	})
	return svc, ln.Addr().String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectedTo(svc *Service, peerID string) bool {
	_, ok := svc.session(peerID)
	return ok
}

func TestTwoNodeRequestNotifyAndDisconnect(t *testing.T) {
	testlog.Start(t)
	a, _ := startNode(t, Config{P2PID: "node-a"})
	b, addrB := startNode(t, Config{P2PID: "node-b"})

	b.RegisterHandler(protocol.PeerToPeerMessage, func(_ context.Context, peerID string, f frame.Frame, respond Responder) {
		_ = respond(append([]byte(peerID+":"), f.Payload...))
	})
	notified := make(chan string, 4)
	b.RegisterHandler(protocol.BroadcastMessage, func(_ context.Context, _ string, f frame.Frame, _ Responder) {
		notified <- string(f.Payload)
	})
	var hookMu sync.Mutex
	var connected, disconnected []string
	a.OnPeerConnected(func(p string) {
		hookMu.Lock()
		connected = append(connected, p)
		hookMu.Unlock()
	})
	a.OnPeerDisconnected(func(p string) {
		hookMu.Lock()
		disconnected = append(disconnected, p)
		hookMu.Unlock()
	})

	a.AddPeers(addrB)
	waitFor(t, "a<->b session", func() bool { return connectedTo(a, "node-b") && connectedTo(b, "node-a") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := a.Request(ctx, "node-b", protocol.PeerToPeerMessage, []byte("ping"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(resp) != "node-a:ping" {
		t.Fatalf("unexpected response %q", resp)
	}

	a.Broadcast(protocol.BroadcastMessage, []byte("hello"))
	select {
	case got := <-notified:
		if got != "hello" {
			t.Fatalf("unexpected broadcast %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast not delivered")
	}

	peers := a.ConnectedPeers()
	if len(peers) != 1 || peers[0].PeerID != "node-b" || peers[0].Inbound {
		t.Fatalf("unexpected peers %+v", peers)
	}

	b.Close()
	waitFor(t, "disconnect hook", func() bool {
		hookMu.Lock()
		defer hookMu.Unlock()
		return len(disconnected) == 1
	})
	hookMu.Lock()
	defer hookMu.Unlock()
	if len(connected) != 1 || connected[0] != "node-b" || disconnected[0] != "node-b" {
		t.Fatalf("unexpected hooks connected=%v disconnected=%v", connected, disconnected)
	}
}

func TestRequestErrors(t *testing.T) {
	testlog.Start(t)
	a, _ := startNode(t, Config{P2PID: "node-a"})
	b, addrB := startNode(t, Config{P2PID: "node-b"})
	b.RegisterHandler(protocol.PeerToPeerMessage, func(context.Context, string, frame.Frame, Responder) {})

	if _, err := a.Request(context.Background(), "node-z", protocol.PeerToPeerMessage, nil); !errors.Is(err, ErrPeerNotConnected) {
		t.Fatalf("expected ErrPeerNotConnected, got %v", err)
	}

	a.AddPeers(addrB)
	waitFor(t, "session", func() bool { return connectedTo(a, "node-b") })
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := a.Request(ctx, "node-b", protocol.PeerToPeerMessage, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCrossDialKeepsOneSession(t *testing.T) {
	testlog.Start(t)
	a, addrA := startNode(t, Config{P2PID: "node-a"})
	b, addrB := startNode(t, Config{P2PID: "node-b"})
	a.AddPeers(addrB)
	b.AddPeers(addrA)

	waitFor(t, "lower id dial wins", func() bool {
		pa, pb := a.ConnectedPeers(), b.ConnectedPeers()
		return len(pa) == 1 && len(pb) == 1 && !pa[0].Inbound && pb[0].Inbound
	})
	time.Sleep(300 * time.Millisecond)
	pa, pb := a.ConnectedPeers(), b.ConnectedPeers()
	if len(pa) != 1 || len(pb) != 1 || pa[0].Inbound || !pb[0].Inbound {
		t.Fatalf("session did not stay stable a=%+v b=%+v", pa, pb)
	}
}

func TestSelfDialIsDropped(t *testing.T) {
	testlog.Start(t)
	a, addrA := startNode(t, Config{P2PID: "node-a"})
	a.AddPeers(addrA)
	time.Sleep(200 * time.Millisecond)
	if peers := a.ConnectedPeers(); len(peers) != 0 {
		t.Fatalf("self connection registered: %+v", peers)
	}
}

func TestBusyHandlersDoNotStallResponses(t *testing.T) {
	testlog.Start(t)
	a, _ := startNode(t, Config{P2PID: "node-a", ThreadPoolSize: 1})
	b, addrB := startNode(t, Config{P2PID: "node-b"})

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	entered := make(chan struct{}, 4)
	a.RegisterHandler(protocol.BroadcastMessage, func(context.Context, string, frame.Frame, Responder) {
		entered <- struct{}{}
		<-release
	})
	b.RegisterHandler(protocol.PeerToPeerMessage, func(_ context.Context, _ string, _ frame.Frame, respond Responder) {
		_ = respond([]byte("pong"))
	})

	a.AddPeers(addrB)
	waitFor(t, "a->b session", func() bool { return connectedTo(a, "node-b") && connectedTo(b, "node-a") })

	for i := 0; i < 3; i++ {
		if err := b.Notify("node-a", protocol.BroadcastMessage, []byte("slow")); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := a.Request(ctx, "node-b", protocol.PeerToPeerMessage, nil)
	if err != nil || string(resp) != "pong" {
		t.Fatalf("request behind busy workers resp=%q err=%v", resp, err)
	}
}

func mutualTLS(ca *tlstest.Authority, files tlstest.PeerFiles) session.Config {
	cfg := fastSession()
	cfg.SecurityMode = session.SecurityModeProduction
	cfg.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   ca.CAFile(),
		CertFile: files.Cert,
		KeyFile:  files.Key,
	}
	return cfg
}

func TestMutualTLSSession(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "edgegate-test-ca")
	filesA := ca.IssuePeerCert(t, "node-a")
	filesB := ca.IssuePeerCert(t, "node-b")

	a, _ := startNode(t, Config{P2PID: "node-a", Session: mutualTLS(ca, filesA)})
	b, addrB := startNode(t, Config{P2PID: "node-b", Session: mutualTLS(ca, filesB)})
	b.RegisterHandler(protocol.PeerToPeerMessage, func(_ context.Context, _ string, _ frame.Frame, respond Responder) {
		_ = respond([]byte("ok"))
	})

	a.AddPeers(addrB)
	waitFor(t, "tls session", func() bool { return connectedTo(a, "node-b") })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := a.Request(ctx, "node-b", protocol.PeerToPeerMessage, nil)
	if err != nil || string(resp) != "ok" {
		t.Fatalf("tls request resp=%q err=%v", resp, err)
	}
}

func TestMutualTLSRejectsIdentityMismatch(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "edgegate-test-ca")
	filesA := ca.IssuePeerCert(t, "node-a")
	filesB := ca.IssuePeerCert(t, "node-b")

	a, _ := startNode(t, Config{P2PID: "node-a", Session: mutualTLS(ca, filesA)})
	// node-c presents node-b's certificate.
	_, addrC := startNode(t, Config{P2PID: "node-c", Session: mutualTLS(ca, filesB)})

	a.AddPeers(addrC)
	time.Sleep(300 * time.Millisecond)
	if peers := a.ConnectedPeers(); len(peers) != 0 {
		t.Fatalf("mismatched identity accepted: %+v", peers)
	}
}

func TestNewServiceValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := NewService(Config{}); err == nil {
		t.Fatalf("expected missing p2p id error")
	}
	cfg := Config{P2PID: "a", Session: session.DefaultConfig()}
	cfg.Session.TLS.SMSSL = true
	if _, err := NewService(cfg); !errors.Is(err, session.ErrSMSSLUnsupported) {
		t.Fatalf("expected sm ssl rejection, got %v", err)
	}
}
