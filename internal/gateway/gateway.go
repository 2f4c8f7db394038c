package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgegate/internal/nodemanager"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
)

// Config tunes delivery and gossip timing.
type Config struct {
	SendTimeout        time.Duration
	StatusSyncInterval time.Duration
	FrontTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		SendTimeout:        10 * time.Second,
		StatusSyncInterval: 3 * time.Second,
		FrontTimeout:       10 * time.Second,
	}
}

// Gateway is the routing engine bound to one registry and one transport.
type Gateway struct {
	cfg       Config
	registry  *nodemanager.Registry
	transport Transport

	retry *Retrier

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, registry *nodemanager.Registry, transport Transport) *Gateway {
	d := DefaultConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = d.SendTimeout
	}
	if cfg.StatusSyncInterval <= 0 {
		cfg.StatusSyncInterval = d.StatusSyncInterval
	}
	if cfg.FrontTimeout <= 0 {
		cfg.FrontTimeout = d.FrontTimeout
	}
	g := &Gateway{
		cfg:       cfg,
		registry:  registry,
		transport: transport,
		retry:     NewRetrier("node", cfg.SendTimeout),
		stop:      make(chan struct{}),
	}
	transport.RegisterHandler(protocol.PeerToPeerMessage, g.handlePeerToPeer)
	transport.RegisterHandler(protocol.BroadcastMessage, g.handleBroadcast)
	transport.RegisterHandler(protocol.StatusSeq, g.handleStatusSeq)
	transport.RegisterHandler(protocol.RequestNodeIDs, g.handleRequestNodeIDs)
	transport.RegisterHandler(protocol.ResponseNodeIDs, g.handleResponseNodeIDs)
	transport.OnPeerConnected(g.onPeerConnected)
	transport.OnPeerDisconnected(g.onPeerDisconnected)
	return g
}

func (g *Gateway) Registry() *nodemanager.Registry {
	return g.registry
}

// Start launches the periodic status-seq broadcast.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return
	}
	g.started = true
	g.wg.Add(1)
	go g.statusSyncLoop()
}

// Stop halts gossip, refuses new sends and waits for in-flight fan-out sends.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	close(g.stop)
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) RegisterFrontService(groupID string, nodeID []byte, front nodemanager.FrontService) bool {
	return g.registry.RegisterFrontService(groupID, hex.EncodeToString(nodeID), front)
}

func (g *Gateway) UnregisterFrontService(groupID string, nodeID []byte) bool {
	return g.registry.UnregisterFrontService(groupID, hex.EncodeToString(nodeID))
}

func (g *Gateway) isStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Send delivers payload to dstNodeID through one of the peers reporting it.
// Peers are tried in random order without replacement until one acks with
// success; attempts never exceed the candidate count at call time.
func (g *Gateway) Send(ctx context.Context, groupID string, srcNodeID, dstNodeID, payload []byte) error {
	if g.isStopped() {
		return ErrStopped
	}
	return g.send(ctx, groupID, srcNodeID, dstNodeID, payload)
}

func (g *Gateway) send(ctx context.Context, groupID string, srcNodeID, dstNodeID, payload []byte) error {
	start := time.Now()
	body, err := envelope.Encode(envelope.Envelope{
		GroupID:   groupID,
		SrcNodeID: srcNodeID,
		DstNodeID: dstNodeID,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	dst := hex.EncodeToString(dstNodeID)
	peers, err := g.registry.ResolvePeers(groupID, dst)
	if err != nil {
		observability.RecordSend("node", "no_route", time.Since(start))
		log.Warn().Str("group", groupID).Str("dst", dst).Msg("gateway.Gateway.Send no route")
		return fmt.Errorf("%w: group=%s dst=%s", ErrNoRoute, groupID, dst)
	}

	err = g.retry.Do(ctx, peers, func(actx context.Context, peerID string) error {
		resp, err := g.transport.Request(actx, peerID, protocol.PeerToPeerMessage, body)
		if err != nil {
			return err
		}
		return protocol.AckError(resp)
	})
	if err != nil {
		observability.RecordSend("node", "failed", time.Since(start))
		return fmt.Errorf("group=%s dst=%s: %w", groupID, dst, err)
	}
	observability.RecordSend("node", "ok", time.Since(start))
	return nil
}

// SendToMany sends to every destination independently. Failures are logged
// and never surfaced. After Stop nothing is sent.
func (g *Gateway) SendToMany(ctx context.Context, groupID string, srcNodeID []byte, dstNodeIDs [][]byte, payload []byte) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		log.Warn().Str("group", groupID).Int("dsts", len(dstNodeIDs)).Msg("gateway.Gateway.SendToMany refused, stopped")
		return
	}
	g.wg.Add(len(dstNodeIDs))
	g.mu.Unlock()

	for _, dst := range dstNodeIDs {
		go func() {
			defer g.wg.Done()
			if err := g.send(ctx, groupID, srcNodeID, dst, payload); err != nil {
				log.Warn().
					Str("group", groupID).
					Str("dst", hex.EncodeToString(dst)).
					Err(err).
					Msg("gateway.Gateway.SendToMany send failed")
			}
		}()
	}
}

// Broadcast sends one unacknowledged copy to each peer serving the group.
func (g *Gateway) Broadcast(groupID string, srcNodeID, payload []byte) error {
	if g.isStopped() {
		return ErrStopped
	}
	body, err := envelope.Encode(envelope.Envelope{
		GroupID:   groupID,
		SrcNodeID: srcNodeID,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	peers, err := g.registry.ResolvePeersForGroup(groupID)
	if err != nil {
		log.Debug().Str("group", groupID).Msg("gateway.Gateway.Broadcast no peers for group")
		return nil
	}
	g.transport.SendToPeers(peers, protocol.BroadcastMessage, body)
	log.Debug().Str("group", groupID).Int("peers", len(peers)).Msg("gateway.Gateway.Broadcast sent")
	return nil
}

// OnInboundUnicast hands a remote message to the local front for dstNodeID.
// The front's result is what the remote sender sees as its ack.
func (g *Gateway) OnInboundUnicast(ctx context.Context, groupID string, srcNodeID, dstNodeID, payload []byte) error {
	dst := hex.EncodeToString(dstNodeID)
	front, ok := g.registry.QueryLocal(groupID, dst)
	if !ok {
		return fmt.Errorf("%w: group=%s dst=%s", ErrNotFoundLocalTarget, groupID, dst)
	}
	return front.OnReceiveMessage(ctx, groupID, srcNodeID, payload)
}

// OnInboundBroadcast hands a broadcast to every local front in the group.
func (g *Gateway) OnInboundBroadcast(ctx context.Context, groupID string, srcNodeID, payload []byte) {
	fronts := g.registry.QueryLocalByGroup(groupID)
	var wg sync.WaitGroup
	for _, front := range fronts {
		front := front
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := front.OnReceiveMessage(ctx, groupID, srcNodeID, payload); err != nil {
				log.Warn().
					Str("group", groupID).
					Str("src", hex.EncodeToString(srcNodeID)).
					Err(err).
					Msg("gateway.Gateway.OnInboundBroadcast front failed")
			}
		}()
	}
	wg.Wait()
}
