package nodemanager

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("nodemanager: not found")

// FrontService is the local consumer of messages addressed to a node.
type FrontService interface {
	OnReceiveMessage(ctx context.Context, groupID string, srcNodeID []byte, payload []byte) error
}

// Registry is the per-gateway node location index.
type Registry struct {
	localMu   sync.RWMutex
	local     map[string]map[string]FrontService
	statusSeq uint32

	peerMu    sync.RWMutex
	peerNodes map[string]map[string]map[string]struct{}
	peerSeqs  map[string]uint32
}

func NewRegistry() *Registry {
	return &Registry{
		local:     make(map[string]map[string]FrontService),
		peerNodes: make(map[string]map[string]map[string]struct{}),
		peerSeqs:  make(map[string]uint32),
	}
}

// RegisterFrontService binds (group, node) to a local front. A second
// registration for the same pair is rejected and leaves statusSeq untouched.
func (r *Registry) RegisterFrontService(groupID, nodeID string, front FrontService) bool {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	nodes, ok := r.local[groupID]
	if !ok {
		nodes = make(map[string]FrontService)
		r.local[groupID] = nodes
	}
	if _, exists := nodes[nodeID]; exists {
		log.Warn().Str("group", groupID).Str("node", nodeID).Msg("nodemanager.Registry.RegisterFrontService already registered")
		return false
	}
	nodes[nodeID] = front
	r.statusSeq++
	log.Info().
		Str("group", groupID).
		Str("node", nodeID).
		Uint32("status_seq", r.statusSeq).
		Msg("nodemanager.Registry.RegisterFrontService")
	return true
}

func (r *Registry) UnregisterFrontService(groupID, nodeID string) bool {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	nodes, ok := r.local[groupID]
	if !ok {
		return false
	}
	if _, exists := nodes[nodeID]; !exists {
		return false
	}
	delete(nodes, nodeID)
	if len(nodes) == 0 {
		delete(r.local, groupID)
	}
	r.statusSeq++
	log.Info().
		Str("group", groupID).
		Str("node", nodeID).
		Uint32("status_seq", r.statusSeq).
		Msg("nodemanager.Registry.UnregisterFrontService")
	return true
}

func (r *Registry) QueryLocal(groupID, nodeID string) (FrontService, bool) {
	r.localMu.RLock()
	defer r.localMu.RUnlock()
	front, ok := r.local[groupID][nodeID]
	return front, ok
}

// QueryLocalByGroup returns the fronts of a group ordered by node id.
func (r *Registry) QueryLocalByGroup(groupID string) []FrontService {
	r.localMu.RLock()
	defer r.localMu.RUnlock()
	nodes := r.local[groupID]
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]FrontService, 0, len(ids))
	for _, id := range ids {
		out = append(out, nodes[id])
	}
	return out
}

func (r *Registry) StatusSeq() uint32 {
	r.localMu.RLock()
	defer r.localMu.RUnlock()
	return r.statusSeq
}

// BuildLocalSnapshot captures statusSeq and the local node ids under one lock.
func (r *Registry) BuildLocalSnapshot() Snapshot {
	r.localMu.RLock()
	defer r.localMu.RUnlock()
	snap := Snapshot{
		StatusSeq: r.statusSeq,
		Groups:    make(map[string][]string, len(r.local)),
	}
	for groupID, nodes := range r.local {
		ids := make([]string, 0, len(nodes))
		for id := range nodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		snap.Groups[groupID] = ids
	}
	return snap
}

// CheckStatusSeq reports whether a peer's advertised seq warrants a refresh.
func (r *Registry) CheckStatusSeq(peerID string, seq uint32) bool {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	last, ok := r.peerSeqs[peerID]
	return !ok || last != seq
}

func (r *Registry) PeerSeq(peerID string) (uint32, bool) {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	seq, ok := r.peerSeqs[peerID]
	return seq, ok
}

// OnReceiveGossip replaces every entry attributed to peerID with groups and
// records seq, atomically with respect to route resolution.
func (r *Registry) OnReceiveGossip(peerID string, seq uint32, groups map[string][]string) {
	r.peerMu.Lock()
	defer r.peerMu.Unlock()
	r.removePeerLocked(peerID)
	for groupID, nodeIDs := range groups {
		for _, nodeID := range nodeIDs {
			nodes, ok := r.peerNodes[groupID]
			if !ok {
				nodes = make(map[string]map[string]struct{})
				r.peerNodes[groupID] = nodes
			}
			peers, ok := nodes[nodeID]
			if !ok {
				peers = make(map[string]struct{})
				nodes[nodeID] = peers
			}
			peers[peerID] = struct{}{}
		}
	}
	r.peerSeqs[peerID] = seq
	log.Debug().
		Str("peer", peerID).
		Uint32("seq", seq).
		Int("groups", len(groups)).
		Msg("nodemanager.Registry.OnReceiveGossip applied")
}

// OnPeerDisconnected purges the peer's entries and its last seen seq.
func (r *Registry) OnPeerDisconnected(peerID string) {
	r.peerMu.Lock()
	defer r.peerMu.Unlock()
	r.removePeerLocked(peerID)
	delete(r.peerSeqs, peerID)
}

func (r *Registry) removePeerLocked(peerID string) {
	for groupID, nodes := range r.peerNodes {
		for nodeID, peers := range nodes {
			delete(peers, peerID)
			if len(peers) == 0 {
				delete(nodes, nodeID)
			}
		}
		if len(nodes) == 0 {
			delete(r.peerNodes, groupID)
		}
	}
}

// ResolvePeers returns the peers currently reporting (group, node).
func (r *Registry) ResolvePeers(groupID, nodeID string) ([]string, error) {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	peers := r.peerNodes[groupID][nodeID]
	if len(peers) == 0 {
		return nil, ErrNotFound
	}
	return sortedKeys(peers), nil
}

// ResolvePeersForGroup returns the union of peers serving any node in group.
func (r *Registry) ResolvePeersForGroup(groupID string) ([]string, error) {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	union := make(map[string]struct{})
	for _, peers := range r.peerNodes[groupID] {
		for peerID := range peers {
			union[peerID] = struct{}{}
		}
	}
	if len(union) == 0 {
		return nil, ErrNotFound
	}
	return sortedKeys(union), nil
}

// PeerView is the remote index as seen for one peer.
type PeerView struct {
	PeerID    string              `json:"peerID"`
	StatusSeq uint32              `json:"statusSeq"`
	Groups    map[string][]string `json:"groups"`
}

// Peers returns every peer with a recorded seq, ordered by peer id.
func (r *Registry) Peers() []PeerView {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	views := make(map[string]*PeerView, len(r.peerSeqs))
	for peerID, seq := range r.peerSeqs {
		views[peerID] = &PeerView{PeerID: peerID, StatusSeq: seq, Groups: make(map[string][]string)}
	}
	for groupID, nodes := range r.peerNodes {
		for nodeID, peers := range nodes {
			for peerID := range peers {
				v, ok := views[peerID]
				if !ok {
					continue
				}
				v.Groups[groupID] = append(v.Groups[groupID], nodeID)
			}
		}
	}
	out := make([]PeerView, 0, len(views))
	for _, v := range views {
		for groupID := range v.Groups {
			sort.Strings(v.Groups[groupID])
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
