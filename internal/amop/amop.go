package amop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/amopwire"
	"github.com/danmuck/edgegate/internal/protocol/frame"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSubscriber = errors.New("amop: no peer subscribes the topic")
	ErrSendFailed   = errors.New("amop: unable to send message to peer by topic")
	ErrStatus       = errors.New("amop: peer returned non-zero status")
)

// Transport is the peer messaging surface AMOP consumes.
type Transport interface {
	Request(ctx context.Context, peerID string, packetType uint16, payload []byte) ([]byte, error)
	Notify(peerID string, packetType uint16, payload []byte) error
	SendToPeers(peerIDs []string, packetType uint16, payload []byte)
	Broadcast(packetType uint16, payload []byte)
	RegisterHandler(packetType uint16, h gateway.Handler)
	OnPeerConnected(fn func(peerID string))
	OnPeerDisconnected(fn func(peerID string))
}

type Config struct {
	TopicSyncInterval time.Duration
	SendTimeout       time.Duration
	ClientTimeout     time.Duration
	MaxQueuedMessages int
}

func DefaultConfig() Config {
	return Config{
		TopicSyncInterval: 2 * time.Second,
		SendTimeout:       10 * time.Second,
		ClientTimeout:     10 * time.Second,
		MaxQueuedMessages: 4096,
	}
}

// AMOP routes topic messages between local clients and subscribing peers.
type AMOP struct {
	cfg       Config
	topics    *TopicManager
	transport Transport
	retry     *gateway.Retrier
	pool      *ants.Pool

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, topics *TopicManager, transport Transport) (*AMOP, error) {
	d := DefaultConfig()
	if cfg.TopicSyncInterval <= 0 {
		cfg.TopicSyncInterval = d.TopicSyncInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = d.SendTimeout
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = d.ClientTimeout
	}
	if cfg.MaxQueuedMessages <= 0 {
		cfg.MaxQueuedMessages = d.MaxQueuedMessages
	}
	// One worker serializes AMOP handling off the transport's dispatch pool.
	// Frames already crossed that pool, so no wire order is implied.
	pool, err := ants.NewPool(1,
		ants.WithPreAlloc(true),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.MaxQueuedMessages),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("amop.AMOP dispatcher panic")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create amop dispatcher: %w", err)
	}
	a := &AMOP{
		cfg:       cfg,
		topics:    topics,
		transport: transport,
		retry:     gateway.NewRetrier("topic", cfg.SendTimeout),
		pool:      pool,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:      make(chan struct{}),
	}
	transport.RegisterHandler(protocol.AMOPMessage, a.onAMOPMessage)
	transport.OnPeerConnected(a.requestTopics)
	transport.OnPeerDisconnected(topics.RemovePeer)
	return a, nil
}

func (a *AMOP) Topics() *TopicManager {
	return a.topics
}

// Start launches the periodic topic-seq broadcast.
func (a *AMOP) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.stopped {
		return
	}
	a.started = true
	a.wg.Add(1)
	go a.topicSyncLoop()
}

// Stop halts the timer, drains the dispatcher, then waits for in-flight
// client calls.
func (a *AMOP) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.stop)
	a.mu.Unlock()
	if err := a.pool.ReleaseTimeout(5 * time.Second); err != nil {
		log.Warn().Err(err).Msg("amop.AMOP.Stop dispatcher release")
	}
	a.wg.Wait()
}

func (a *AMOP) RegisterClient(clientID string, svc ClientService) bool {
	return a.topics.RegisterClient(clientID, svc)
}

func (a *AMOP) RemoveClient(clientID string) bool {
	return a.topics.RemoveClient(clientID)
}

func (a *AMOP) SubscribeTopic(clientID string, topics ...string) error {
	return a.topics.Subscribe(clientID, topics...)
}

func (a *AMOP) UnsubscribeTopic(clientID string, topics ...string) error {
	return a.topics.Unsubscribe(clientID, topics...)
}

// SendByTopic delivers data to one subscribing peer and returns the reply of
// the client that handled it. A reply with a non-zero status counts as a
// failed attempt and the next peer is tried.
func (a *AMOP) SendByTopic(ctx context.Context, topic string, data []byte) ([]byte, error) {
	peers := a.topics.QueryPeersByTopic(topic)
	if len(peers) == 0 {
		log.Warn().Str("topic", topic).Msg("amop.AMOP.SendByTopic no peer subscribes topic")
		return nil, fmt.Errorf("%w: topic=%s", ErrNoSubscriber, topic)
	}
	body, err := encodeRequest(amopwire.TypeRequest, topic, data)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var reply []byte
	err = a.retry.Do(ctx, peers, func(actx context.Context, peerID string) error {
		raw, err := a.transport.Request(actx, peerID, protocol.AMOPMessage, body)
		if err != nil {
			return err
		}
		msg, err := amopwire.DecodeMessage(raw)
		if err != nil {
			return err
		}
		if msg.Status != 0 {
			return fmt.Errorf("%w: %s: %s", ErrStatus, protocol.Status(msg.Status), msg.Data)
		}
		reply = msg.Data
		return nil
	})
	if err != nil {
		observability.RecordSend("topic", "failed", time.Since(start))
		return nil, fmt.Errorf("%w: topic=%s: %w", ErrSendFailed, topic, err)
	}
	observability.RecordSend("topic", "ok", time.Since(start))
	return reply, nil
}

// BroadcastByTopic sends one unacknowledged copy to every subscribing peer.
func (a *AMOP) BroadcastByTopic(topic string, data []byte) error {
	peers := a.topics.QueryPeersByTopic(topic)
	if len(peers) == 0 {
		log.Warn().Str("topic", topic).Msg("amop.AMOP.BroadcastByTopic no peer subscribes topic")
		return nil
	}
	body, err := encodeRequest(amopwire.TypeBroadcast, topic, data)
	if err != nil {
		return err
	}
	a.transport.SendToPeers(peers, protocol.AMOPMessage, body)
	log.Debug().Str("topic", topic).Int("peers", len(peers)).Int("size", len(data)).Msg("amop.AMOP.BroadcastByTopic sent")
	return nil
}

func encodeRequest(t amopwire.Type, topic string, data []byte) ([]byte, error) {
	req, err := amopwire.EncodeRequest(amopwire.Request{Topic: topic, Data: data})
	if err != nil {
		return nil, err
	}
	return amopwire.EncodeMessage(amopwire.Message{Type: t, Data: req}), nil
}

func (a *AMOP) topicSyncLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.TopicSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.broadcastTopicSeq()
		}
	}
}

func (a *AMOP) broadcastTopicSeq() {
	seq := a.topics.LocalTopicSeq()
	a.transport.Broadcast(protocol.AMOPMessage, amopwire.EncodeMessage(amopwire.Message{
		Type: amopwire.TypeTopicSeq,
		Data: []byte(strconv.FormatUint(uint64(seq), 10)),
	}))
	log.Trace().Uint32("topic_seq", seq).Msg("amop.AMOP.broadcastTopicSeq")
}

// onAMOPMessage queues the frame on the dedicated dispatcher.
func (a *AMOP) onAMOPMessage(ctx context.Context, peerID string, f frame.Frame, respond gateway.Responder) {
	err := a.pool.Submit(func() {
		a.dispatch(ctx, peerID, f, respond)
	})
	if err != nil {
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.onAMOPMessage dispatcher rejected frame")
		if !f.IsResponse() && isRequest(f.Payload) {
			a.reply(peerID, respond, protocol.StatusInternalError, []byte(err.Error()))
		}
	}
}

func isRequest(payload []byte) bool {
	msg, err := amopwire.DecodeMessage(payload)
	return err == nil && msg.Type == amopwire.TypeRequest
}

func (a *AMOP) dispatch(ctx context.Context, peerID string, f frame.Frame, respond gateway.Responder) {
	msg, err := amopwire.DecodeMessage(f.Payload)
	if err != nil {
		observability.RecordAMOPMessage("invalid", false)
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.dispatch decode message")
		return
	}
	switch msg.Type {
	case amopwire.TypeTopicSeq:
		a.onTopicSeq(peerID, msg)
	case amopwire.TypeRequestTopic:
		a.onRequestTopic(peerID)
	case amopwire.TypeResponseTopic:
		a.onResponseTopic(peerID, msg)
	case amopwire.TypeRequest:
		a.onRequest(ctx, peerID, msg, respond)
	case amopwire.TypeBroadcast:
		a.onBroadcast(ctx, peerID, msg)
	default:
		observability.RecordAMOPMessage(msg.Type.String(), false)
		log.Warn().Str("peer", peerID).Uint16("type", uint16(msg.Type)).Msg("amop.AMOP.dispatch unexpected message type")
	}
}

func (a *AMOP) onTopicSeq(peerID string, msg amopwire.Message) {
	seq, err := strconv.ParseUint(strings.TrimSpace(string(msg.Data)), 10, 32)
	if err != nil {
		observability.RecordAMOPMessage(msg.Type.String(), false)
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.onTopicSeq parse")
		return
	}
	observability.RecordAMOPMessage(msg.Type.String(), true)
	if !a.topics.CheckTopicSeq(peerID, uint32(seq)) {
		return
	}
	log.Info().Str("peer", peerID).Uint64("topic_seq", seq).Msg("amop.AMOP.onTopicSeq changed")
	a.requestTopics(peerID)
}

func (a *AMOP) requestTopics(peerID string) {
	body := amopwire.EncodeMessage(amopwire.Message{Type: amopwire.TypeRequestTopic})
	if err := a.transport.Notify(peerID, protocol.AMOPMessage, body); err != nil {
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.requestTopics send")
	}
}

func (a *AMOP) onRequestTopic(peerID string) {
	snapshot, err := a.topics.QueryTopicsSubByClient()
	if err != nil {
		observability.RecordAMOPMessage(amopwire.TypeRequestTopic.String(), false)
		log.Error().Str("peer", peerID).Err(err).Msg("amop.AMOP.onRequestTopic encode snapshot")
		return
	}
	observability.RecordAMOPMessage(amopwire.TypeRequestTopic.String(), true)
	body := amopwire.EncodeMessage(amopwire.Message{Type: amopwire.TypeResponseTopic, Data: snapshot})
	if err := a.transport.Notify(peerID, protocol.AMOPMessage, body); err != nil {
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.onRequestTopic send")
	}
}

func (a *AMOP) onResponseTopic(peerID string, msg amopwire.Message) {
	seq, topics, err := ParseTopicsJSON(msg.Data)
	if err != nil {
		observability.RecordAMOPMessage(msg.Type.String(), false)
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.onResponseTopic parse")
		return
	}
	a.topics.UpdateSeqAndTopicsByPeer(peerID, seq, topics)
	observability.RecordAMOPMessage(msg.Type.String(), true)
}

// onRequest hands the request to one random local subscriber. The client's
// reply or error goes back to the peer; it is never re-dispatched.
func (a *AMOP) onRequest(ctx context.Context, peerID string, msg amopwire.Message, respond gateway.Responder) {
	req, err := amopwire.DecodeRequest(msg.Data)
	if err != nil {
		observability.RecordAMOPMessage(msg.Type.String(), false)
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.onRequest decode")
		a.reply(peerID, respond, protocol.StatusInvalidEnvelope, []byte(err.Error()))
		return
	}
	clients := a.topics.QueryClientsByTopic(req.Topic)
	var svc ClientService
	var clientID string
	if len(clients) > 0 {
		clientID = a.choose(clients)
		svc, _ = a.topics.ClientService(clientID)
	}
	if svc == nil {
		err := fmt.Errorf("%w: topic=%s", gateway.ErrNotFoundSubscriber, req.Topic)
		observability.RecordAMOPMessage(msg.Type.String(), false)
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.onRequest no client subscribes topic")
		a.reply(peerID, respond, gateway.StatusFor(err), nil)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		cctx, cancel := context.WithTimeout(ctx, a.cfg.ClientTimeout)
		defer cancel()
		data, err := svc.NotifyAMOPMessage(cctx, NotifyUnicast, req.Topic, req.Data)
		if err != nil {
			observability.RecordAMOPMessage(msg.Type.String(), false)
			log.Warn().
				Str("peer", peerID).
				Str("topic", req.Topic).
				Str("client", clientID).
				Err(err).
				Msg("amop.AMOP.onRequest client failed")
			a.reply(peerID, respond, protocol.StatusAMOPClientError, []byte(err.Error()))
			return
		}
		observability.RecordAMOPMessage(msg.Type.String(), true)
		a.reply(peerID, respond, protocol.StatusSuccess, data)
	}()
}

func (a *AMOP) onBroadcast(ctx context.Context, peerID string, msg amopwire.Message) {
	req, err := amopwire.DecodeRequest(msg.Data)
	if err != nil {
		observability.RecordAMOPMessage(msg.Type.String(), false)
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.onBroadcast decode")
		return
	}
	clients := a.topics.QueryClientsByTopic(req.Topic)
	if len(clients) == 0 {
		log.Warn().Str("topic", req.Topic).Msg("amop.AMOP.onBroadcast no client subscribes topic")
		return
	}
	observability.RecordAMOPMessage(msg.Type.String(), true)
	for _, clientID := range clients {
		svc, ok := a.topics.ClientService(clientID)
		if !ok {
			continue
		}
		clientID := clientID
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			cctx, cancel := context.WithTimeout(ctx, a.cfg.ClientTimeout)
			defer cancel()
			if _, err := svc.NotifyAMOPMessage(cctx, NotifyBroadcast, req.Topic, req.Data); err != nil {
				log.Warn().
					Str("topic", req.Topic).
					Str("client", clientID).
					Err(err).
					Msg("amop.AMOP.onBroadcast client failed")
			}
		}()
	}
}

func (a *AMOP) reply(peerID string, respond gateway.Responder, status protocol.Status, data []byte) {
	body := amopwire.EncodeMessage(amopwire.Message{
		Type:   amopwire.TypeResponse,
		Status: int16(status),
		Data:   data,
	})
	if err := respond(body); err != nil {
		log.Warn().Str("peer", peerID).Err(err).Msg("amop.AMOP.reply write response")
	}
}

func (a *AMOP) choose(clients []string) string {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return clients[a.rng.Intn(len(clients))]
}
