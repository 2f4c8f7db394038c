package front

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/edgegate/internal/amop"
	"github.com/danmuck/edgegate/internal/nodemanager"
	"github.com/danmuck/edgegate/internal/testutil/testlog"
)

var (
	_ nodemanager.FrontService = (*WebhookFront)(nil)
	_ nodemanager.FrontService = FuncFront(nil)
	_ amop.ClientService       = (*WebhookClient)(nil)
	_ amop.ClientService       = FuncClient(nil)
)

func TestWebhookFrontPostsMessage(t *testing.T) {
	testlog.Start(t)

	got := make(chan FrontMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		var msg FrontMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f, err := NewWebhookFront(srv.URL, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := f.OnReceiveMessage(context.Background(), "g1", []byte{0xaa}, []byte("hi")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	msg := <-got
	if msg.GroupID != "g1" || string(msg.SrcNodeID) != "\xaa" || string(msg.Payload) != "hi" {
		t.Fatalf("unexpected body: %+v", msg)
	}
}

func TestWebhookFrontNon2xxIsError(t *testing.T) {
	testlog.Start(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, err := NewWebhookFront(srv.URL, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := f.OnReceiveMessage(context.Background(), "g1", nil, nil); !errors.Is(err, ErrWebhookStatus) {
		t.Fatalf("expected ErrWebhookStatus, got %v", err)
	}
}

func TestWebhookFrontHonorsContext(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f, err := NewWebhookFront(srv.URL, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.OnReceiveMessage(ctx, "g1", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestWebhookClientReturnsReplyBody(t *testing.T) {
	testlog.Start(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg ClientMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(msg.Kind + ":" + msg.Topic + ":" + string(msg.Data)))
	}))
	defer srv.Close()

	c, err := NewWebhookClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := c.NotifyAMOPMessage(context.Background(), amop.NotifyUnicast, "prices", []byte("q"))
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if string(out) != "unicast:prices:q" {
		t.Fatalf("unexpected reply %q", out)
	}
	out, err = c.NotifyAMOPMessage(context.Background(), amop.NotifyBroadcast, "prices", nil)
	if err != nil || string(out) != "broadcast:prices:" {
		t.Fatalf("unexpected broadcast reply %q %v", out, err)
	}
}

func TestNewWebhookRejectsBadURL(t *testing.T) {
	testlog.Start(t)

	for _, raw := range []string{"", "ftp://x/y", "http://", "::"} {
		if _, err := NewWebhookFront(raw, nil); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("%q: expected ErrInvalidURL, got %v", raw, err)
		}
		if _, err := NewWebhookClient(raw, nil); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("%q: expected ErrInvalidURL, got %v", raw, err)
		}
	}
}

func TestFuncAdapters(t *testing.T) {
	testlog.Start(t)

	var group string
	f := FuncFront(func(_ context.Context, g string, _ []byte, _ []byte) error {
		group = g
		return nil
	})
	if err := f.OnReceiveMessage(context.Background(), "g9", nil, nil); err != nil || group != "g9" {
		t.Fatalf("func front not invoked: %q %v", group, err)
	}

	c := FuncClient(func(_ context.Context, kind amop.NotifyKind, topic string, data []byte) ([]byte, error) {
		return []byte(kind.String() + topic), nil
	})
	out, err := c.NotifyAMOPMessage(context.Background(), amop.NotifyBroadcast, "t", nil)
	if err != nil || string(out) != "broadcastt" {
		t.Fatalf("func client: %q %v", out, err)
	}
}
