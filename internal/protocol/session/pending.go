package session

import (
	"errors"
	"sync"

	"github.com/danmuck/edgegate/internal/protocol/frame"
)

var ErrSessionClosed = errors.New("session: closed")

// PendingTable matches response frames to outstanding requests by seq.
type PendingTable struct {
	mu     sync.Mutex
	items  map[uint32]chan frame.Frame
	closed bool
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		items: make(map[uint32]chan frame.Frame),
	}
}

// Add registers seq and returns the channel its response will arrive on.
func (p *PendingTable) Add(seq uint32) (<-chan frame.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrSessionClosed
	}
	ch := make(chan frame.Frame, 1)
	p.items[seq] = ch
	return ch, nil
}

// Complete delivers a response. It returns false for unknown or expired seqs.
func (p *PendingTable) Complete(f frame.Frame) bool {
	p.mu.Lock()
	ch, ok := p.items[f.Header.Seq]
	if ok {
		delete(p.items, f.Header.Seq)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

func (p *PendingTable) Remove(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, seq)
}

func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Close fails every waiter; later Adds return ErrSessionClosed.
func (p *PendingTable) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for seq, ch := range p.items {
		close(ch)
		delete(p.items, seq)
	}
}
