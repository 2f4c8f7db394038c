package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var (
	ErrLeaseLost  = errors.New("discovery: etcd lease keepalive lost")
	ErrWatchEnded = errors.New("discovery: etcd watch closed")
)

type EtcdConfig struct {
	Endpoints     []string
	Prefix        string
	LeaseTTL      time.Duration
	DialTimeout   time.Duration
	P2PID         string
	AdvertiseAddr string
	Backoff       session.BackoffConfig
}

// Etcd registers this node at Prefix+P2PID and follows the prefix.
type Etcd struct {
	cfg     EtcdConfig
	kv      clientv3.KV
	lease   clientv3.Lease
	watcher clientv3.Watcher
	closer  func() error
	sink    Sink
}

func NewEtcd(cfg EtcdConfig, sink Sink) (*Etcd, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("discovery: etcd endpoints are required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: etcd client: %w", err)
	}
	e := newEtcd(cfg, cli, cli, cli, sink)
	e.closer = cli.Close
	return e, nil
}

func newEtcd(cfg EtcdConfig, kv clientv3.KV, lease clientv3.Lease, watcher clientv3.Watcher, sink Sink) *Etcd {
	if cfg.LeaseTTL < time.Second {
		cfg.LeaseTTL = 10 * time.Second
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = session.DefaultConfig().Backoff
	}
	return &Etcd{cfg: cfg, kv: kv, lease: lease, watcher: watcher, sink: sink}
}

func (e *Etcd) key() string {
	return e.cfg.Prefix + e.cfg.P2PID
}

// Run registers and follows the prefix until ctx is done, starting over
// with backoff whenever the lease or the watch is lost.
func (e *Etcd) Run(ctx context.Context) error {
	defer func() {
		if e.closer != nil {
			_ = e.closer()
		}
	}()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		err := e.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := session.NextBackoffDelay(e.cfg.Backoff, attempt, rng)
		log.Warn().Err(err).Dur("retry_in", delay).Str("key", e.key()).Msg("discovery.Etcd.Run")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (e *Etcd) runOnce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseID, err := e.register(runCtx)
	if err != nil {
		return err
	}
	defer e.revoke(leaseID)

	keepAlive, err := e.lease.KeepAlive(runCtx, leaseID)
	if err != nil {
		return fmt.Errorf("discovery: keepalive: %w", err)
	}

	resp, err := e.kv.Get(runCtx, e.cfg.Prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("discovery: list %s: %w", e.cfg.Prefix, err)
	}
	addrs := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if addr, ok := e.peerAddr(string(kv.Key), string(kv.Value)); ok {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) > 0 {
		log.Info().Strs("peers", addrs).Msg("discovery.Etcd.list")
		e.sink.AddPeers(addrs...)
	}

	var rev int64
	if resp.Header != nil {
		rev = resp.Header.Revision + 1
	}
	watch := e.watcher.Watch(runCtx, e.cfg.Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-keepAlive:
			if !ok {
				return ErrLeaseLost
			}
		case wr, ok := <-watch:
			if !ok {
				return ErrWatchEnded
			}
			if err := wr.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrWatchEnded, err)
			}
			for _, ev := range wr.Events {
				if ev.Type != clientv3.EventTypePut || ev.Kv == nil {
					continue
				}
				if addr, ok := e.peerAddr(string(ev.Kv.Key), string(ev.Kv.Value)); ok {
					log.Debug().Str("key", string(ev.Kv.Key)).Str("addr", addr).Msg("discovery.Etcd.watch put")
					e.sink.AddPeers(addr)
				}
			}
		}
	}
}

func (e *Etcd) register(ctx context.Context) (clientv3.LeaseID, error) {
	grant, err := e.lease.Grant(ctx, int64(e.cfg.LeaseTTL/time.Second))
	if err != nil {
		return 0, fmt.Errorf("discovery: grant lease: %w", err)
	}
	if _, err := e.kv.Put(ctx, e.key(), e.cfg.AdvertiseAddr, clientv3.WithLease(grant.ID)); err != nil {
		return 0, fmt.Errorf("discovery: put %s: %w", e.key(), err)
	}
	log.Info().
		Str("key", e.key()).
		Str("addr", e.cfg.AdvertiseAddr).
		Int64("lease", int64(grant.ID)).
		Msg("discovery.Etcd.register")
	return grant.ID, nil
}

func (e *Etcd) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := e.lease.Revoke(ctx, id); err != nil {
		log.Debug().Err(err).Int64("lease", int64(id)).Msg("discovery.Etcd.revoke")
	}
}

// peerAddr filters out this node's own key and empty values.
func (e *Etcd) peerAddr(key, value string) (string, bool) {
	if key == e.key() || !strings.HasPrefix(key, e.cfg.Prefix) {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}
