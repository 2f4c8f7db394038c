package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgegate/internal/amop"
	"github.com/danmuck/edgegate/internal/auth"
	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/nodemanager"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/p2p"
	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/amopwire"
	"github.com/danmuck/edgegate/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type stubTransport struct {
	mu     sync.Mutex
	notify []string
	reply  func(peerID string, packetType uint16) ([]byte, error)
}

func (s *stubTransport) Request(_ context.Context, peerID string, packetType uint16, _ []byte) ([]byte, error) {
	s.mu.Lock()
	reply := s.reply
	s.mu.Unlock()
	if reply == nil {
		return nil, errors.New("no reply configured")
	}
	return reply(peerID, packetType)
}

func (s *stubTransport) Notify(peerID string, _ uint16, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = append(s.notify, peerID)
	return nil
}

func (s *stubTransport) SendToPeers(peerIDs []string, _ uint16, _ []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = append(s.notify, peerIDs...)
}

func (s *stubTransport) Broadcast(uint16, []byte)                {}
func (s *stubTransport) RegisterHandler(uint16, gateway.Handler) {}
func (s *stubTransport) OnPeerConnected(func(peerID string))     {}
func (s *stubTransport) OnPeerDisconnected(func(peerID string))  {}

func (s *stubTransport) notified() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notify...)
}

func (s *stubTransport) setReply(fn func(peerID string, packetType uint16) ([]byte, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

type stubPeers []p2p.PeerInfo

func (p stubPeers) ConnectedPeers() []p2p.PeerInfo { return p }

type fixture struct {
	srv       *Server
	gw        *gateway.Gateway
	am        *amop.AMOP
	transport *stubTransport
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tr := &stubTransport{}
	gcfg := gateway.DefaultConfig()
	gcfg.SendTimeout = 200 * time.Millisecond
	gw := gateway.New(gcfg, nodemanager.NewRegistry(), tr)
	acfg := amop.DefaultConfig()
	acfg.SendTimeout = 200 * time.Millisecond
	am, err := amop.New(acfg, amop.NewTopicManager(), tr)
	if err != nil {
		t.Fatalf("amop: %v", err)
	}
	t.Cleanup(am.Stop)
	if cfg.P2PID == "" {
		cfg.P2PID = "node-a"
	}
	peers := stubPeers{{PeerID: "node-b", RemoteAddr: "127.0.0.1:30301", Inbound: true}}
	return fixture{srv: New(cfg, gw, am, peers), gw: gw, am: am, transport: tr}
}

func (f fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func TestHealthAndPeers(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})

	rr := f.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var health map[string]any
	decode(t, rr, &health)
	if health["status"] != "ok" || health["p2pID"] != "node-a" {
		t.Fatalf("unexpected health: %#v", health)
	}

	rr = f.do(t, http.MethodGet, "/v1/peers", nil)
	var peers struct {
		Peers []p2p.PeerInfo `json:"peers"`
	}
	decode(t, rr, &peers)
	if len(peers.Peers) != 1 || peers.Peers[0].PeerID != "node-b" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})

	rr := f.do(t, http.MethodGet, "/health", nil, observability.RequestIDHeader, "req-7")
	if got := rr.Header().Get(observability.RequestIDHeader); got != "req-7" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
	rr = f.do(t, http.MethodGet, "/health", nil)
	if rr.Header().Get(observability.RequestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestTokenGuardsV1Routes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{Validator: auth.StaticToken{Token: "s3cret"}})

	if rr := f.do(t, http.MethodGet, "/v1/peers", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/v1/peers", nil, "Authorization", "Bearer nope"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/v1/peers", nil, "Authorization", "Bearer s3cret"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", rr.Code)
	}
}

func TestFrontRegistrationLifecycle(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	body := map[string]string{"nodeID": "aa01", "webhookURL": hook.URL}
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/fronts", body); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/fronts", body); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", rr.Code)
	}
	bad := map[string]string{"nodeID": "zz", "webhookURL": hook.URL}
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/fronts", bad); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on bad node id, got %d", rr.Code)
	}
	badURL := map[string]string{"nodeID": "aa02", "webhookURL": "ftp://x"}
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/fronts", badURL); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on bad url, got %d", rr.Code)
	}

	var nodes struct {
		StatusSeq uint32      `json:"statusSeq"`
		Local     []groupView `json:"local"`
	}
	decode(t, f.do(t, http.MethodGet, "/v1/nodes", nil), &nodes)
	if nodes.StatusSeq != 1 || len(nodes.Local) != 1 || nodes.Local[0].NodeIDs[0] != "aa01" {
		t.Fatalf("unexpected nodes view: %+v", nodes)
	}

	var fronts struct {
		Fronts []frontView `json:"fronts"`
	}
	decode(t, f.do(t, http.MethodGet, "/v1/fronts", nil), &fronts)
	if len(fronts.Fronts) != 1 || fronts.Fronts[0].GroupID != "g1" || fronts.Fronts[0].WebhookURL != hook.URL {
		t.Fatalf("unexpected fronts: %+v", fronts)
	}

	if rr := f.do(t, http.MethodDelete, "/v1/groups/g1/fronts/aa01", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on unregister, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodDelete, "/v1/groups/g1/fronts/aa01", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second unregister, got %d", rr.Code)
	}
}

func TestSendStatusCodes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})

	req := map[string]any{"src": "aa", "dst": "bb", "payload": []byte("hi")}
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/send", req); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without route, got %d %s", rr.Code, rr.Body.String())
	}

	f.gw.Registry().OnReceiveGossip("P1", 1, map[string][]string{"g1": {"bb"}})
	f.transport.setReply(func(string, uint16) ([]byte, error) {
		return protocol.EncodeAck(protocol.StatusSuccess), nil
	})
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/send", req); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}

	f.transport.setReply(func(string, uint16) ([]byte, error) {
		return protocol.EncodeAck(protocol.StatusFrontServiceError), nil
	})
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/send", req); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when all peers fail, got %d %s", rr.Code, rr.Body.String())
	}

	noSrc := map[string]any{"dst": "bb"}
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/send", noSrc); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without src, got %d", rr.Code)
	}

	f.gw.Stop()
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/send", req); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after stop, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestBroadcastReachesGroupPeers(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})

	f.gw.Registry().OnReceiveGossip("P1", 1, map[string][]string{"g1": {"bb"}})
	f.gw.Registry().OnReceiveGossip("P2", 1, map[string][]string{"g2": {"cc"}})
	req := map[string]any{"src": "aa", "payload": []byte("all")}
	if rr := f.do(t, http.MethodPost, "/v1/groups/g1/broadcast", req); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	got := f.transport.notified()
	if len(got) != 1 || got[0] != "P1" {
		t.Fatalf("expected broadcast to P1 only, got %v", got)
	}
}

func TestAMOPClientAndTopicRoutes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	rr := f.do(t, http.MethodPost, "/v1/amop/clients", map[string]string{"webhookURL": hook.URL})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	var created struct {
		ClientID string `json:"clientID"`
	}
	decode(t, rr, &created)
	if created.ClientID == "" {
		t.Fatalf("expected generated client id")
	}

	named := map[string]string{"clientID": "c1", "webhookURL": hook.URL}
	if rr := f.do(t, http.MethodPost, "/v1/amop/clients", named); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 for named client, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/v1/amop/clients", named); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate client, got %d", rr.Code)
	}

	topics := map[string][]string{"topics": {"prices"}}
	if rr := f.do(t, http.MethodPost, "/v1/amop/clients/c1/topics", topics); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on subscribe, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := f.do(t, http.MethodPost, "/v1/amop/clients/nobody/topics", topics); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown client, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/v1/amop/clients/c1/topics", map[string][]string{"topics": {""}}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty topic, got %d", rr.Code)
	}

	var listed struct {
		TopicSeq uint32   `json:"topicSeq"`
		Local    []string `json:"local"`
	}
	decode(t, f.do(t, http.MethodGet, "/v1/amop/topics", nil), &listed)
	if listed.TopicSeq != 1 || len(listed.Local) != 1 || listed.Local[0] != "prices" {
		t.Fatalf("unexpected topics: %+v", listed)
	}

	var clients struct {
		Clients []clientView `json:"clients"`
	}
	decode(t, f.do(t, http.MethodGet, "/v1/amop/clients", nil), &clients)
	if len(clients.Clients) != 2 {
		t.Fatalf("expected 2 clients, got %+v", clients)
	}

	if rr := f.do(t, http.MethodDelete, "/v1/amop/clients/c1/topics/prices", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on unsubscribe, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodDelete, "/v1/amop/clients/c1", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on remove, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodDelete, "/v1/amop/clients/c1", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second remove, got %d", rr.Code)
	}
}

func TestSendByTopicRoutes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})

	msg := map[string]any{"data": []byte("ping")}
	if rr := f.do(t, http.MethodPost, "/v1/amop/topics/prices/send", msg); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without subscriber, got %d", rr.Code)
	}

	f.am.Topics().UpdateSeqAndTopicsByPeer("P1", 1, []string{"prices"})
	f.transport.setReply(func(string, uint16) ([]byte, error) {
		return amopwire.EncodeMessage(amopwire.Message{Type: amopwire.TypeResponse, Data: []byte("pong")}), nil
	})
	rr := f.do(t, http.MethodPost, "/v1/amop/topics/prices/send", msg)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var reply struct {
		Data []byte `json:"data"`
	}
	decode(t, rr, &reply)
	if string(reply.Data) != "pong" {
		t.Fatalf("unexpected reply %q", reply.Data)
	}

	f.transport.setReply(func(string, uint16) ([]byte, error) {
		return amopwire.EncodeMessage(amopwire.Message{
			Type:   amopwire.TypeResponse,
			Status: int16(protocol.StatusNotFoundClientByTopic),
		}), nil
	})
	if rr := f.do(t, http.MethodPost, "/v1/amop/topics/prices/send", msg); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on failed send, got %d", rr.Code)
	}

	if rr := f.do(t, http.MethodPost, "/v1/amop/topics/prices/broadcast", msg); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on broadcast, got %d", rr.Code)
	}
	got := f.transport.notified()
	if len(got) == 0 || got[len(got)-1] != "P1" {
		t.Fatalf("expected topic broadcast to P1, got %v", got)
	}
}
