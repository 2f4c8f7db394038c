package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/edgegate/internal/admin"
	"github.com/danmuck/edgegate/internal/amop"
	"github.com/danmuck/edgegate/internal/auth"
	"github.com/danmuck/edgegate/internal/config"
	"github.com/danmuck/edgegate/internal/discovery"
	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/nodemanager"
	"github.com/danmuck/edgegate/internal/p2p"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Daemon assembles one gateway process from its config.
type Daemon struct {
	cfg config.Config

	p2p     *p2p.Service
	gateway *gateway.Gateway
	amop    *amop.AMOP
	admin   *admin.Server

	nodesFile *discovery.NodesFile
	etcd      *discovery.Etcd
}

var _ Node = (*Daemon)(nil)

func NewDaemon(cfg config.Config) (*Daemon, error) {
	pcfg, err := cfg.P2PConfig()
	if err != nil {
		return nil, err
	}
	svc, err := p2p.NewService(pcfg)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(cfg.GatewayConfig(), nodemanager.NewRegistry(), svc)
	am, err := amop.New(cfg.AMOPConfig(), amop.NewTopicManager(), svc)
	if err != nil {
		svc.Close()
		return nil, err
	}

	acfg := admin.Config{
		P2PID:       cfg.P2P.P2PID,
		CorsOrigins: cfg.Admin.CorsOrigins,
	}
	if cfg.Admin.Token != "" {
		acfg.Validator = auth.StaticToken{Token: cfg.Admin.Token}
	}

	d := &Daemon{
		cfg:       cfg,
		p2p:       svc,
		gateway:   gw,
		amop:      am,
		admin:     admin.New(acfg, gw, am, svc),
		nodesFile: discovery.NewNodesFile(cfg.NodesFilePath(), cfg.Discovery.ReloadInterval.Duration, svc),
	}
	if len(cfg.Discovery.EtcdEndpoints) > 0 {
		d.etcd, err = discovery.NewEtcd(discovery.EtcdConfig{
			Endpoints:     cfg.Discovery.EtcdEndpoints,
			Prefix:        cfg.Discovery.EtcdPrefix,
			LeaseTTL:      cfg.Discovery.LeaseTTL.Duration,
			P2PID:         cfg.P2P.P2PID,
			AdvertiseAddr: cfg.AdvertiseAddr(),
			Backoff:       pcfg.Session.Backoff,
		}, svc)
		if err != nil {
			am.Stop()
			svc.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *Daemon) NodeID() string            { return d.cfg.P2P.P2PID }
func (d *Daemon) Kind() string              { return "gateway" }
func (d *Daemon) HTTPRouter() *gin.Engine   { return d.admin.HTTPRouter() }
func (d *Daemon) P2P() *p2p.Service         { return d.p2p }
func (d *Daemon) Gateway() *gateway.Gateway { return d.gateway }
func (d *Daemon) AMOP() *amop.AMOP          { return d.amop }

// Run serves until ctx is done, SIGINT or SIGTERM arrives, or a component
// fails. Components stop in reverse start order.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := d.p2p.Listen()
	if err != nil {
		return fmt.Errorf("p2p listen %s: %w", d.cfg.ListenAddr(), err)
	}
	log.Info().
		Str("p2p_id", d.cfg.P2P.P2PID).
		Str("p2p_addr", ln.Addr().String()).
		Str("admin_addr", d.cfg.Admin.ListenAddr).
		Bool("etcd", d.etcd != nil).
		Msg("node.Daemon.Run starting")

	d.gateway.Start()
	d.amop.Start()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("component", name).Msg("node.Daemon.Run component failed")
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}
	run("p2p", func(ctx context.Context) error { return d.p2p.Serve(ctx, ln) })
	run("nodes_file", d.nodesFile.Run)
	if d.etcd != nil {
		run("etcd", d.etcd.Run)
	}
	if addr := d.cfg.Admin.ListenAddr; addr != "" {
		run("admin", func(ctx context.Context) error { return d.admin.Serve(ctx, addr) })
	}

	<-ctx.Done()
	d.amop.Stop()
	d.gateway.Stop()
	d.p2p.Close()
	wg.Wait()
	log.Info().Str("p2p_id", d.cfg.P2P.P2PID).Msg("node.Daemon.Run stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
