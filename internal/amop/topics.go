package amop

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownClient  = errors.New("amop: unknown client")
	ErrInvalidTopics  = errors.New("amop: invalid topic snapshot")
	ErrEmptyTopicName = errors.New("amop: empty topic name")
)

// TopicManager indexes local client subscriptions and the topics each peer
// advertises. Local and peer state use separate locks.
type TopicManager struct {
	localMu      sync.RWMutex
	clients      map[string]ClientService
	clientTopics map[string]map[string]struct{}
	topicSeq     uint32

	peerMu     sync.RWMutex
	peerTopics map[string]map[string]struct{}
	peerSeqs   map[string]uint32
}

func NewTopicManager() *TopicManager {
	return &TopicManager{
		clients:      make(map[string]ClientService),
		clientTopics: make(map[string]map[string]struct{}),
		peerTopics:   make(map[string]map[string]struct{}),
		peerSeqs:     make(map[string]uint32),
	}
}

// RegisterClient adds a client with no subscriptions. It returns false when
// the id is taken.
func (m *TopicManager) RegisterClient(clientID string, svc ClientService) bool {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	if _, ok := m.clients[clientID]; ok {
		return false
	}
	m.clients[clientID] = svc
	m.clientTopics[clientID] = make(map[string]struct{})
	log.Info().Str("client", clientID).Msg("amop.TopicManager.RegisterClient")
	return true
}

// RemoveClient drops a client and all its subscriptions.
func (m *TopicManager) RemoveClient(clientID string) bool {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	topics, ok := m.clientTopics[clientID]
	if !ok {
		return false
	}
	delete(m.clients, clientID)
	delete(m.clientTopics, clientID)
	if len(topics) > 0 {
		m.topicSeq++
	}
	log.Info().Str("client", clientID).Uint32("topic_seq", m.topicSeq).Msg("amop.TopicManager.RemoveClient")
	return true
}

// Subscribe adds topics for a client. The topic seq moves only when the
// subscription set actually changes.
func (m *TopicManager) Subscribe(clientID string, topics ...string) error {
	for _, t := range topics {
		if t == "" {
			return ErrEmptyTopicName
		}
	}
	m.localMu.Lock()
	defer m.localMu.Unlock()
	set, ok := m.clientTopics[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	changed := false
	for _, t := range topics {
		if _, ok := set[t]; !ok {
			set[t] = struct{}{}
			changed = true
		}
	}
	if changed {
		m.topicSeq++
	}
	return nil
}

func (m *TopicManager) Unsubscribe(clientID string, topics ...string) error {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	set, ok := m.clientTopics[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	changed := false
	for _, t := range topics {
		if _, ok := set[t]; ok {
			delete(set, t)
			changed = true
		}
	}
	if changed {
		m.topicSeq++
	}
	return nil
}

func (m *TopicManager) ClientService(clientID string) (ClientService, bool) {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	svc, ok := m.clients[clientID]
	return svc, ok
}

// QueryClientsByTopic returns the local clients subscribed to topic, sorted.
func (m *TopicManager) QueryClientsByTopic(topic string) []string {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	var out []string
	for clientID, set := range m.clientTopics {
		if _, ok := set[topic]; ok {
			out = append(out, clientID)
		}
	}
	sort.Strings(out)
	return out
}

// QueryPeersByTopic returns the peers advertising topic, sorted.
func (m *TopicManager) QueryPeersByTopic(topic string) []string {
	m.peerMu.RLock()
	defer m.peerMu.RUnlock()
	var out []string
	for peerID, set := range m.peerTopics {
		if _, ok := set[topic]; ok {
			out = append(out, peerID)
		}
	}
	sort.Strings(out)
	return out
}

func (m *TopicManager) LocalTopicSeq() uint32 {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	return m.topicSeq
}

// LocalTopics returns the current seq and the union of local subscriptions.
func (m *TopicManager) LocalTopics() (uint32, []string) {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	union := make(map[string]struct{})
	for _, set := range m.clientTopics {
		for t := range set {
			union[t] = struct{}{}
		}
	}
	return m.topicSeq, sortedSet(union)
}

// QueryTopicsSubByClient renders the local subscription snapshot sent in
// ResponseTopic messages.
func (m *TopicManager) QueryTopicsSubByClient() ([]byte, error) {
	seq, topics := m.LocalTopics()
	return EncodeTopicsJSON(seq, topics)
}

// ClientTopics lists each client's subscriptions.
func (m *TopicManager) ClientTopics() map[string][]string {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	out := make(map[string][]string, len(m.clientTopics))
	for clientID, set := range m.clientTopics {
		out[clientID] = sortedSet(set)
	}
	return out
}

// CheckTopicSeq reports whether peerID's advertised seq differs from the last
// applied snapshot.
func (m *TopicManager) CheckTopicSeq(peerID string, seq uint32) bool {
	m.peerMu.RLock()
	defer m.peerMu.RUnlock()
	last, ok := m.peerSeqs[peerID]
	return !ok || last != seq
}

// UpdateSeqAndTopicsByPeer replaces the peer's topic set wholesale.
func (m *TopicManager) UpdateSeqAndTopicsByPeer(peerID string, seq uint32, topics []string) {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	m.peerMu.Lock()
	defer m.peerMu.Unlock()
	m.peerTopics[peerID] = set
	m.peerSeqs[peerID] = seq
	log.Debug().
		Str("peer", peerID).
		Uint32("topic_seq", seq).
		Int("topics", len(set)).
		Msg("amop.TopicManager.UpdateSeqAndTopicsByPeer applied")
}

func (m *TopicManager) RemovePeer(peerID string) {
	m.peerMu.Lock()
	defer m.peerMu.Unlock()
	delete(m.peerTopics, peerID)
	delete(m.peerSeqs, peerID)
}

// PeerTopics lists the topics advertised by each peer.
func (m *TopicManager) PeerTopics() map[string][]string {
	m.peerMu.RLock()
	defer m.peerMu.RUnlock()
	out := make(map[string][]string, len(m.peerTopics))
	for peerID, set := range m.peerTopics {
		out[peerID] = sortedSet(set)
	}
	return out
}

type wireTopics struct {
	TopicSeq   *uint32          `json:"topicSeq"`
	TopicItems *[]wireTopicItem `json:"topicItems"`
}

type wireTopicItem struct {
	TopicName string `json:"topicName"`
}

// EncodeTopicsJSON renders {"topicSeq":N,"topicItems":[{"topicName":"t"}]}.
func EncodeTopicsJSON(seq uint32, topics []string) ([]byte, error) {
	items := make([]wireTopicItem, 0, len(topics))
	for _, t := range topics {
		items = append(items, wireTopicItem{TopicName: t})
	}
	return json.Marshal(wireTopics{TopicSeq: &seq, TopicItems: &items})
}

// ParseTopicsJSON decodes a topic snapshot. Both keys are required and a
// nameless item rejects the whole snapshot.
func ParseTopicsJSON(b []byte) (uint32, []string, error) {
	var w wireTopics
	if err := json.Unmarshal(b, &w); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidTopics, err)
	}
	if w.TopicSeq == nil || w.TopicItems == nil {
		return 0, nil, fmt.Errorf("%w: missing topicSeq or topicItems", ErrInvalidTopics)
	}
	topics := make([]string, 0, len(*w.TopicItems))
	for _, item := range *w.TopicItems {
		if item.TopicName == "" {
			return 0, nil, fmt.Errorf("%w: empty topicName", ErrInvalidTopics)
		}
		topics = append(topics, item.TopicName)
	}
	return *w.TopicSeq, topics, nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
