package gateway

import (
	"context"
	"sync"

	"github.com/danmuck/edgegate/internal/protocol/frame"
)

type sentFrame struct {
	peerID     string
	packetType uint16
	payload    []byte
}

// fakeTransport records outbound traffic and answers Request through a
// per-peer script.
type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[uint16]Handler
	connected    []func(string)
	disconnected []func(string)
	requests     []sentFrame
	notified     []sentFrame
	broadcasts   []sentFrame
	reply        func(ctx context.Context, peerID string, payload []byte) ([]byte, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[uint16]Handler)}
}

func (f *fakeTransport) Request(ctx context.Context, peerID string, packetType uint16, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, sentFrame{peerID: peerID, packetType: packetType, payload: payload})
	reply := f.reply
	f.mu.Unlock()
	return reply(ctx, peerID, payload)
}

func (f *fakeTransport) Notify(peerID string, packetType uint16, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, sentFrame{peerID: peerID, packetType: packetType, payload: payload})
	return nil
}

func (f *fakeTransport) SendToPeers(peerIDs []string, packetType uint16, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range peerIDs {
		f.notified = append(f.notified, sentFrame{peerID: p, packetType: packetType, payload: payload})
	}
}

func (f *fakeTransport) Broadcast(packetType uint16, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, sentFrame{packetType: packetType, payload: payload})
}

func (f *fakeTransport) RegisterHandler(packetType uint16, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[packetType] = h
}

func (f *fakeTransport) OnPeerConnected(fn func(string)) {
	f.connected = append(f.connected, fn)
}

func (f *fakeTransport) OnPeerDisconnected(fn func(string)) {
	f.disconnected = append(f.disconnected, fn)
}

// deliver runs the registered handler as if peerID had sent the frame and
// returns whatever the handler responded with.
func (f *fakeTransport) deliver(peerID string, packetType uint16, payload []byte) []byte {
	f.mu.Lock()
	h := f.handlers[packetType]
	f.mu.Unlock()
	var resp []byte
	h(context.Background(), peerID, frame.Frame{
		Header:  frame.Header{PacketType: packetType, Seq: 7},
		Payload: payload,
	}, func(p []byte) error {
		resp = p
		return nil
	})
	return resp
}

func (f *fakeTransport) requestPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.peerID)
	}
	return out
}

func (f *fakeTransport) notifiedOfType(packetType uint16) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, n := range f.notified {
		if n.packetType == packetType {
			out = append(out, n)
		}
	}
	return out
}
