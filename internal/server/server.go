package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Tyrowin/teamchat/internal/config"
	"github.com/Tyrowin/teamchat/internal/membership"
	"github.com/Tyrowin/teamchat/internal/store"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Store         store.Store
	Directory     membership.Directory
	Authenticator Authenticator
	Logger        *zap.Logger
	// Metrics receives the server's collectors. A fresh registry with Go
	// and process collectors is created when nil.
	Metrics *prometheus.Registry
}

// Server is the chat relay: it owns the connection registry, the router
// and the HTTP surface.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	store   store.Store
	dir     membership.Directory
	auth    Authenticator
	metrics *Metrics
	promReg *prometheus.Registry

	registry *Registry
	router   *Router
	protocol *Protocol
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	opts     ConnectionOptions

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	httpServer   *http.Server
	shuttingDown atomic.Bool
}

// New builds a server from cfg and deps.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Directory == nil || deps.Authenticator == nil {
		return nil, errors.New("server: store, directory and authenticator are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := deps.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	metrics := NewMetrics(reg)
	registry := NewRegistry(deps.Directory, metrics, logger)
	router := NewRouter(deps.Store, registry, deps.Directory, metrics, logger, cfg.MaxContentLength)
	origins := NewOriginPolicy(cfg.Origins(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		log:      logger,
		store:    deps.Store,
		dir:      deps.Directory,
		auth:     deps.Authenticator,
		metrics:  metrics,
		promReg:  reg,
		registry: registry,
		router:   router,
		protocol: NewProtocol(registry, router),
		origins:  origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		opts:    OptionsFromConfig(cfg),
		baseCtx: ctx,
		cancel:  cancel,
	}
	return s, nil
}

// Registry exposes the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Router exposes the channel router.
func (s *Server) Router() *Router { return s.router }

// ListenAndServe serves HTTP on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = CreateServer(s.cfg.Addr, s.Handler())
	err := StartServer(s.httpServer, s.log)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, closes every live session with
// 1001 (going away) and waits for connection goroutines to finish or ctx
// to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.log.Info("initiating shutdown")

	var errs []error
	if s.httpServer != nil {
		if err := ShutdownServer(ctx, s.httpServer, s.log); err != nil {
			errs = append(errs, err)
		}
	}

	s.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("shutdown completed")
	case <-ctx.Done():
		s.log.Warn("shutdown timeout reached, some connection goroutines may still be running")
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
