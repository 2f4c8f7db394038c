package discovery

import (
	"testing"
	"time"
)

type recordingSink struct {
	ch chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan string, 32)}
}

func (s *recordingSink) AddPeers(addrs ...string) {
	for _, a := range addrs {
		s.ch <- a
	}
}

func (s *recordingSink) next(t *testing.T) string {
	t.Helper()
	select {
	case a := <-s.ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for address")
		return ""
	}
}

func (s *recordingSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case a := <-s.ch:
		t.Fatalf("unexpected address %q", a)
	case <-time.After(50 * time.Millisecond):
	}
}
