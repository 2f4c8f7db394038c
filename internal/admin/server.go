package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgegate/internal/amop"
	"github.com/danmuck/edgegate/internal/auth"
	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/p2p"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// PeerLister reports live peer sessions.
type PeerLister interface {
	ConnectedPeers() []p2p.PeerInfo
}

type Config struct {
	P2PID       string
	CorsOrigins []string
	// Validator guards /v1 routes. Nil leaves them open.
	Validator auth.Validator
	// WebhookClient is used for registered fronts and clients.
	WebhookClient *http.Client
}

type Server struct {
	cfg     Config
	gateway *gateway.Gateway
	amop    *amop.AMOP
	peers   PeerLister
	router  *gin.Engine
	started time.Time

	mu      sync.RWMutex
	fronts  map[string]string
	clients map[string]string
}

func New(cfg Config, gw *gateway.Gateway, am *amop.AMOP, peers PeerLister) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(log.Logger, cfg.P2PID))
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET", "POST", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		gateway: gw,
		amop:    am,
		peers:   peers,
		router:  r,
		started: time.Now(),
		fronts:  make(map[string]string),
		clients: make(map[string]string),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve runs the API on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("admin.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Validator == nil {
			c.Next()
			return
		}
		if err := auth.CheckHeader(s.cfg.Validator, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func frontKey(group, node string) string {
	return group + "/" + strings.ToLower(node)
}
