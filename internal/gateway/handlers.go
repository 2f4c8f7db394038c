package gateway

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgegate/internal/nodemanager"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/envelope"
	"github.com/danmuck/edgegate/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

func (g *Gateway) handlePeerToPeer(ctx context.Context, peerID string, f frame.Frame, respond Responder) {
	env, _, err := envelope.Decode(f.Payload)
	if err != nil {
		log.Warn().Str("peer", peerID).Uint32("seq", f.Header.Seq).Err(err).Msg("gateway.handlePeerToPeer decode envelope")
		g.reply(peerID, respond, protocol.StatusInvalidEnvelope)
		return
	}
	fctx, cancel := context.WithTimeout(ctx, g.cfg.FrontTimeout)
	defer cancel()
	err = g.OnInboundUnicast(fctx, env.GroupID, env.SrcNodeID, env.DstNodeID, env.Payload)
	if err != nil {
		log.Warn().
			Str("peer", peerID).
			Str("group", env.GroupID).
			Uint32("seq", f.Header.Seq).
			Err(err).
			Msg("gateway.handlePeerToPeer dispatch failed")
	}
	g.reply(peerID, respond, StatusFor(err))
}

func (g *Gateway) reply(peerID string, respond Responder, status protocol.Status) {
	if err := respond(protocol.EncodeAck(status)); err != nil {
		log.Warn().Str("peer", peerID).Err(err).Msg("gateway.reply write ack")
	}
}

func (g *Gateway) handleBroadcast(ctx context.Context, peerID string, f frame.Frame, _ Responder) {
	env, _, err := envelope.Decode(f.Payload)
	if err != nil {
		log.Warn().Str("peer", peerID).Err(err).Msg("gateway.handleBroadcast decode envelope")
		return
	}
	fctx, cancel := context.WithTimeout(ctx, g.cfg.FrontTimeout)
	defer cancel()
	g.OnInboundBroadcast(fctx, env.GroupID, env.SrcNodeID, env.Payload)
}

func (g *Gateway) statusSyncLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.StatusSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.broadcastStatusSeq()
		}
	}
}

func (g *Gateway) broadcastStatusSeq() {
	seq := g.registry.StatusSeq()
	g.transport.Broadcast(protocol.StatusSeq, []byte(strconv.FormatUint(uint64(seq), 10)))
	log.Trace().Uint32("status_seq", seq).Msg("gateway.broadcastStatusSeq")
}

func (g *Gateway) handleStatusSeq(_ context.Context, peerID string, f frame.Frame, _ Responder) {
	seq, err := strconv.ParseUint(strings.TrimSpace(string(f.Payload)), 10, 32)
	if err != nil {
		observability.RecordGossip("status_seq", false)
		log.Warn().Str("peer", peerID).Err(err).Msg("gateway.handleStatusSeq parse")
		return
	}
	observability.RecordGossip("status_seq", true)
	if !g.registry.CheckStatusSeq(peerID, uint32(seq)) {
		return
	}
	log.Debug().Str("peer", peerID).Uint64("status_seq", seq).Msg("gateway.handleStatusSeq changed")
	g.requestNodeIDs(peerID)
}

func (g *Gateway) requestNodeIDs(peerID string) {
	if err := g.transport.Notify(peerID, protocol.RequestNodeIDs, nil); err != nil {
		log.Warn().Str("peer", peerID).Err(err).Msg("gateway.requestNodeIDs send")
	}
}

func (g *Gateway) handleRequestNodeIDs(_ context.Context, peerID string, _ frame.Frame, _ Responder) {
	body, err := nodemanager.EncodeSnapshotJSON(g.registry.BuildLocalSnapshot())
	if err != nil {
		log.Error().Str("peer", peerID).Err(err).Msg("gateway.handleRequestNodeIDs encode snapshot")
		return
	}
	if err := g.transport.Notify(peerID, protocol.ResponseNodeIDs, body); err != nil {
		log.Warn().Str("peer", peerID).Err(err).Msg("gateway.handleRequestNodeIDs send")
	}
}

// handleResponseNodeIDs applies a snapshot unconditionally; a parse failure
// leaves the peer's previous entries in place.
func (g *Gateway) handleResponseNodeIDs(_ context.Context, peerID string, f frame.Frame, _ Responder) {
	snap, err := nodemanager.DecodeSnapshotJSON(f.Payload)
	if err != nil {
		observability.RecordGossip("response_node_ids", false)
		log.Warn().Str("peer", peerID).Err(err).Msg("gateway.handleResponseNodeIDs decode snapshot")
		return
	}
	g.registry.OnReceiveGossip(peerID, snap.StatusSeq, snap.Groups)
	observability.RecordGossip("response_node_ids", true)
}

func (g *Gateway) onPeerConnected(peerID string) {
	g.requestNodeIDs(peerID)
}

func (g *Gateway) onPeerDisconnected(peerID string) {
	g.registry.OnPeerDisconnected(peerID)
	log.Info().Str("peer", peerID).Msg("gateway.onPeerDisconnected purged peer routes")
}
