package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/edgegate/internal/observability"
	"github.com/rs/zerolog/log"
)

// Retrier runs an attempt against candidate peers picked at random without
// replacement until one succeeds.
type Retrier struct {
	kind    string
	timeout time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetrier builds a retrier; kind labels its metrics and logs.
func NewRetrier(kind string, timeout time.Duration) *Retrier {
	return &Retrier{
		kind:    kind,
		timeout: timeout,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do returns nil on the first successful attempt. Attempts never exceed
// len(peers); a per-attempt deadline expiry surfaces as ErrTimeout and is
// folded into the next attempt like any other failure.
func (r *Retrier) Do(ctx context.Context, peers []string, attempt func(ctx context.Context, peerID string) error) error {
	candidates := append([]string(nil), peers...)
	var lastErr error
	tried := 0
	for len(candidates) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		var peerID string
		peerID, candidates = r.pick(candidates)
		tried++

		actx, cancel := context.WithTimeout(ctx, r.timeout)
		err := attempt(actx, peerID)
		expired := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			observability.RecordSendAttempt(r.kind, true)
			return nil
		}
		if expired && ctx.Err() == nil {
			err = fmt.Errorf("%w: peer=%s: %w", ErrTimeout, peerID, err)
		}
		observability.RecordSendAttempt(r.kind, false)
		log.Debug().
			Str("kind", r.kind).
			Str("peer", peerID).
			Int("attempt", tried).
			Int("remaining", len(candidates)).
			Err(err).
			Msg("gateway.Retrier.Do attempt failed")
		lastErr = err
	}
	if tried == 0 {
		return ErrNoRoute
	}
	return fmt.Errorf("%w: attempts=%d: %w", ErrAllPeersFailed, tried, lastErr)
}

func (r *Retrier) pick(candidates []string) (string, []string) {
	r.mu.Lock()
	i := r.rng.Intn(len(candidates))
	r.mu.Unlock()
	chosen := candidates[i]
	last := len(candidates) - 1
	candidates[i] = candidates[last]
	return chosen, candidates[:last]
}
