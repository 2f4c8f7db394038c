package admin

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/edgegate/internal/amop"
	"github.com/danmuck/edgegate/internal/front"
	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/nodemanager"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/protocol/envelope"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type registerFrontRequest struct {
	NodeID     string `json:"nodeID" binding:"required"`
	WebhookURL string `json:"webhookURL" binding:"required"`
}

type sendRequest struct {
	Src     string `json:"src" binding:"required"`
	Dst     string `json:"dst"`
	Payload []byte `json:"payload"`
}

type registerClientRequest struct {
	ClientID   string `json:"clientID"`
	WebhookURL string `json:"webhookURL" binding:"required"`
}

type topicsRequest struct {
	Topics []string `json:"topics" binding:"required"`
}

type topicMessageRequest struct {
	Data []byte `json:"data"`
}

type clientView struct {
	ClientID   string   `json:"clientID"`
	WebhookURL string   `json:"webhookURL"`
	Topics     []string `json:"topics"`
}

type frontView struct {
	GroupID    string `json:"groupID"`
	NodeID     string `json:"nodeID"`
	WebhookURL string `json:"webhookURL"`
}

type groupView struct {
	GroupID string   `json:"groupID"`
	NodeIDs []string `json:"nodeIDs"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	v1 := s.router.Group("/v1", s.requireToken())
	v1.GET("/peers", s.listPeers)
	v1.GET("/nodes", s.listNodes)
	v1.GET("/fronts", s.listFronts)
	v1.POST("/groups/:group/fronts", s.registerFront)
	v1.DELETE("/groups/:group/fronts/:node", s.unregisterFront)
	v1.POST("/groups/:group/send", s.send)
	v1.POST("/groups/:group/broadcast", s.broadcast)

	v1.GET("/amop/clients", s.listClients)
	v1.POST("/amop/clients", s.registerClient)
	v1.DELETE("/amop/clients/:client", s.removeClient)
	v1.POST("/amop/clients/:client/topics", s.subscribe)
	v1.DELETE("/amop/clients/:client/topics/:topic", s.unsubscribe)
	v1.GET("/amop/topics", s.listTopics)
	v1.POST("/amop/topics/:topic/send", s.sendByTopic)
	v1.POST("/amop/topics/:topic/broadcast", s.broadcastByTopic)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).String(),
		"p2pID":   s.cfg.P2PID,
		"version": Version,
	})
}

func (s *Server) listPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": s.peers.ConnectedPeers()})
}

func (s *Server) listNodes(c *gin.Context) {
	snap := s.gateway.Registry().BuildLocalSnapshot()
	groups := make([]groupView, 0, len(snap.Groups))
	for g, ids := range snap.Groups {
		groups = append(groups, groupView{GroupID: g, NodeIDs: ids})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupID < groups[j].GroupID })
	c.JSON(http.StatusOK, gin.H{
		"statusSeq": snap.StatusSeq,
		"local":     groups,
		"peers":     s.gateway.Registry().Peers(),
	})
}

func (s *Server) listFronts(c *gin.Context) {
	s.mu.RLock()
	out := make([]frontView, 0, len(s.fronts))
	for key, url := range s.fronts {
		group, node, _ := strings.Cut(key, "/")
		out = append(out, frontView{GroupID: group, NodeID: node, WebhookURL: url})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].NodeID < out[j].NodeID
	})
	c.JSON(http.StatusOK, gin.H{"fronts": out})
}

func (s *Server) registerFront(c *gin.Context) {
	group := c.Param("group")
	var req registerFrontRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	nodeID, err := decodeNodeID(req.NodeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hook, err := front.NewWebhookFront(req.WebhookURL, s.cfg.WebhookClient)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.gateway.RegisterFrontService(group, nodeID, hook) {
		c.JSON(http.StatusConflict, gin.H{"error": "front already registered"})
		return
	}
	s.mu.Lock()
	s.fronts[frontKey(group, req.NodeID)] = hook.URL()
	s.mu.Unlock()
	log.Info().Str("group", group).Str("node", req.NodeID).Str("url", hook.URL()).Msg("admin.registerFront")
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "statusSeq": s.gateway.Registry().StatusSeq()})
}

func (s *Server) unregisterFront(c *gin.Context) {
	group, node := c.Param("group"), c.Param("node")
	nodeID, err := decodeNodeID(node)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.gateway.UnregisterFrontService(group, nodeID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "front not found"})
		return
	}
	s.mu.Lock()
	delete(s.fronts, frontKey(group, node))
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "statusSeq": s.gateway.Registry().StatusSeq()})
}

func (s *Server) send(c *gin.Context) {
	group := c.Param("group")
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := decodeNodeID(req.Src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dst, err := decodeNodeID(req.Dst)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err = s.gateway.Send(c.Request.Context(), group, src, dst, req.Payload)
	if err != nil {
		c.JSON(sendStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) broadcast(c *gin.Context) {
	group := c.Param("group")
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := decodeNodeID(req.Src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.gateway.Broadcast(group, src, req.Payload); err != nil {
		c.JSON(sendStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listClients(c *gin.Context) {
	topics := s.amop.Topics().ClientTopics()
	s.mu.RLock()
	out := make([]clientView, 0, len(s.clients))
	for id, url := range s.clients {
		out = append(out, clientView{ClientID: id, WebhookURL: url, Topics: topics[id]})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	c.JSON(http.StatusOK, gin.H{"clients": out})
}

func (s *Server) registerClient(c *gin.Context) {
	var req registerClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hook, err := front.NewWebhookClient(req.WebhookURL, s.cfg.WebhookClient)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := strings.TrimSpace(req.ClientID)
	if id == "" {
		id = uuid.NewString()
	}
	if !s.amop.RegisterClient(id, hook) {
		c.JSON(http.StatusConflict, gin.H{"error": "client already registered"})
		return
	}
	s.mu.Lock()
	s.clients[id] = hook.URL()
	s.mu.Unlock()
	log.Info().Str("client", id).Str("url", hook.URL()).Msg("admin.registerClient")
	c.JSON(http.StatusCreated, gin.H{"clientID": id})
}

func (s *Server) removeClient(c *gin.Context) {
	id := c.Param("client")
	s.mu.Lock()
	_, known := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": amop.ErrUnknownClient.Error()})
		return
	}
	s.amop.RemoveClient(id)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) subscribe(c *gin.Context) {
	var req topicsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.amop.SubscribeTopic(c.Param("client"), req.Topics...); err != nil {
		c.JSON(topicStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "topicSeq": s.amop.Topics().LocalTopicSeq()})
}

func (s *Server) unsubscribe(c *gin.Context) {
	if err := s.amop.UnsubscribeTopic(c.Param("client"), c.Param("topic")); err != nil {
		c.JSON(topicStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "topicSeq": s.amop.Topics().LocalTopicSeq()})
}

func (s *Server) listTopics(c *gin.Context) {
	seq, topics := s.amop.Topics().LocalTopics()
	c.JSON(http.StatusOK, gin.H{
		"topicSeq": seq,
		"local":    topics,
		"clients":  s.amop.Topics().ClientTopics(),
		"peers":    s.amop.Topics().PeerTopics(),
	})
}

func (s *Server) sendByTopic(c *gin.Context) {
	var req topicMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reply, err := s.amop.SendByTopic(c.Request.Context(), c.Param("topic"), req.Data)
	if err != nil {
		c.JSON(topicStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reply})
}

func (s *Server) broadcastByTopic(c *gin.Context) {
	var req topicMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.amop.BroadcastByTopic(c.Param("topic"), req.Data); err != nil {
		c.JSON(topicStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func decodeNodeID(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("node id is required")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("node id must be hex")
	}
	return b, nil
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrNoRoute), errors.Is(err, nodemanager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrAllPeersFailed):
		return http.StatusBadGateway
	case errors.Is(err, envelope.ErrMissingSource), errors.Is(err, envelope.ErrFieldTooLong):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func topicStatus(err error) int {
	switch {
	case errors.Is(err, amop.ErrUnknownClient), errors.Is(err, amop.ErrNoSubscriber):
		return http.StatusNotFound
	case errors.Is(err, amop.ErrEmptyTopicName):
		return http.StatusBadRequest
	case errors.Is(err, amop.ErrSendFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
