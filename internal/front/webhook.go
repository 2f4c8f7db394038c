package front

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/edgegate/internal/amop"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 4 << 20

var (
	ErrInvalidURL    = errors.New("front: invalid webhook url")
	ErrWebhookStatus = errors.New("front: webhook returned non-2xx")
)

// FrontMessage is the body posted to a front webhook.
type FrontMessage struct {
	GroupID   string `json:"groupID"`
	SrcNodeID []byte `json:"srcNodeID"`
	Payload   []byte `json:"payload"`
}

// ClientMessage is the body posted to an AMOP client webhook.
type ClientMessage struct {
	Kind  string `json:"kind"`
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

type webhook struct {
	url    string
	kind   string
	client *http.Client
}

func newWebhook(rawURL, kind string, client *http.Client) (webhook, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return webhook{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return webhook{url: rawURL, kind: kind, client: client}, nil
}

func (w webhook) post(ctx context.Context, body any) ([]byte, error) {
	start := time.Now()
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		observability.RecordWebhook(w.kind, http.StatusBadGateway, time.Since(start), false)
		log.Error().Err(err).Str("url", w.url).Str("kind", w.kind).Msg("front.webhook.post failed")
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		observability.RecordWebhook(w.kind, resp.StatusCode, time.Since(start), false)
		return nil, fmt.Errorf("front: read webhook response: %w", err)
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	observability.RecordWebhook(w.kind, resp.StatusCode, time.Since(start), ok)
	if !ok {
		log.Warn().Str("url", w.url).Str("kind", w.kind).Int("status", resp.StatusCode).Msg("front.webhook.post")
		return nil, fmt.Errorf("%w: %d %s", ErrWebhookStatus, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	log.Debug().Str("url", w.url).Str("kind", w.kind).Int("status", resp.StatusCode).Msg("front.webhook.post")
	return out, nil
}

// WebhookFront delivers gateway messages to an HTTP endpoint.
type WebhookFront struct {
	hook webhook
}

// NewWebhookFront uses client, or a 10s-timeout client when nil.
func NewWebhookFront(rawURL string, client *http.Client) (*WebhookFront, error) {
	hook, err := newWebhook(rawURL, "front", client)
	if err != nil {
		return nil, err
	}
	return &WebhookFront{hook: hook}, nil
}

func (f *WebhookFront) URL() string { return f.hook.url }

func (f *WebhookFront) OnReceiveMessage(ctx context.Context, groupID string, srcNodeID []byte, payload []byte) error {
	_, err := f.hook.post(ctx, FrontMessage{GroupID: groupID, SrcNodeID: srcNodeID, Payload: payload})
	return err
}

// WebhookClient delivers AMOP messages to an HTTP endpoint. The response
// body is the reply to a unicast request.
type WebhookClient struct {
	hook webhook
}

func NewWebhookClient(rawURL string, client *http.Client) (*WebhookClient, error) {
	hook, err := newWebhook(rawURL, "client", client)
	if err != nil {
		return nil, err
	}
	return &WebhookClient{hook: hook}, nil
}

func (c *WebhookClient) URL() string { return c.hook.url }

func (c *WebhookClient) NotifyAMOPMessage(ctx context.Context, kind amop.NotifyKind, topic string, data []byte) ([]byte, error) {
	return c.hook.post(ctx, ClientMessage{Kind: kind.String(), Topic: topic, Data: data})
}
