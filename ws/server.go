package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/roomrelay/config"
	"github.com/tcriess/roomrelay/globals"
	"github.com/tcriess/roomrelay/room"
)

const closeReasonOrigin = "origin not allowed"

// Server exposes the room router over websockets.
type Server struct {
	cfg      *config.Config
	registry *room.Registry
	router   *room.Router
	logger   hclog.Logger

	origins    originPolicy
	limiter    *hostLimiter
	upgrader   websocket.Upgrader
	cron       *cron.Cron
	httpServer *http.Server

	mu           sync.Mutex
	clients      map[*Client]struct{}
	shuttingDown bool
	loops        sync.WaitGroup
}

type ServerOption func(*Server) error

// WithRateLimitClock replaces the clock used to refill the per-host token buckets.
func WithRateLimitClock(clock clockwork.Clock) ServerOption {
	return func(s *Server) error {
		limiter, err := newHostLimiter(s.cfg.RateLimit, clock)
		if err != nil {
			return err
		}
		s.limiter = limiter
		return nil
	}
}

func WithServerLogger(logger hclog.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

func NewServer(cfg *config.Config, registry *room.Registry, router *room.Router, opts ...ServerOption) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		router:   router,
		logger:   globals.AppLogger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origins are checked after the upgrade so rejected clients get a proper close frame
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.limiter == nil {
		limiter, err := newHostLimiter(cfg.RateLimit, clockwork.NewRealClock())
		if err != nil {
			return nil, err
		}
		s.limiter = limiter
	}
	s.origins = newOriginPolicy(cfg.AllowedOrigins, s.logger)

	s.cron = cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if cfg.StatsSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.StatsSchedule, s.logStats); err != nil {
			return nil, err
		}
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.websocketHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	return router
}

// ListenAndServe starts the stats job and serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.cron.Start()
	s.logger.Info("listening", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every open websocket and waits for their loops to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	cronDone := s.cron.Stop()
	err := s.httpServer.Shutdown(ctx)

	// hijacked connections are not tracked by the http server, so handlers still upgrading are turned away here
	s.mu.Lock()
	s.shuttingDown = true
	for c := range s.clients {
		c.goAway()
	}
	s.mu.Unlock()

	loopsDone := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	s.logger.Info("server stopped")
	return err
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error", "error", err)
		return
	}
	if !s.origins.allows(r) {
		s.logger.Warn("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReasonOrigin)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	host := remoteHost(r)
	c := newClient(conn, host, s.router, s.limiter.forHost(host), s.cfg.MaxMessageSize, s.cfg.SendBuffer, s.logger)
	if !s.register(c) {
		s.logger.Debug("rejecting connection, server is shutting down", "conn", c.ID(), "host", host)
		c.goAway()
		return
	}
	s.logger.Debug("client connected", "conn", c.ID(), "host", host)

	go func() {
		defer s.loops.Done()
		c.WriteLoop()
	}()
	go func() {
		defer s.loops.Done()
		c.ReadLoop()
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()
}

// register tracks c and accounts for its two loops. It fails once Shutdown has started.
func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.clients[c] = struct{}{}
	s.loops.Add(2)
	return true
}

// ConnectionCount returns the number of open websockets.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) logStats() {
	stats, err := s.registry.Stats()
	if err != nil {
		s.logger.Error("could not read registry stats", "error", err)
		return
	}
	s.logger.Info("registry stats", "rooms", stats.Rooms, "members", stats.Members, "pending_expiry", stats.PendingExpiry, "connections", s.ConnectionCount())
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
