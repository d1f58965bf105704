package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/tandem/pkg/orchestrator"
	"github.com/harun/tandem/pkg/session"
	"github.com/harun/tandem/pkg/toolexecutor"
)

const (
	defaultTickInterval      = 30 * time.Second
	defaultMessagesPerMinute = 60
	runDrainTimeout          = 30 * time.Second
)

// Server is the HTTP and WebSocket front end.
type Server struct {
	addr         string
	workRoot     string
	defaultModel string
	tickInterval time.Duration
	msgLimit     int

	sessions    *session.Manager
	orch        *orchestrator.Orchestrator
	policy      *toolexecutor.PermissionPolicy
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	approver    *WebApprover
	auth        *AuthHandler
	upgrader    websocket.Upgrader
	handler     http.Handler
	server      *http.Server
	logger      zerolog.Logger

	// runCtx parents every background run; cancelling it interrupts them.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration. Broadcaster must be the sink the
// orchestrator emits to; Approver is optional.
type Config struct {
	Host              string
	Port              int
	Password          string
	WorkRoot          string
	DefaultModel      string
	TickInterval      time.Duration
	MessagesPerMinute int

	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Policy       *toolexecutor.PermissionPolicy
	Broadcaster  *EventBroadcaster
	Approver     *WebApprover
	Logger       zerolog.Logger
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("permission policy is required")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = defaultMessagesPerMinute
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		workRoot:     cfg.WorkRoot,
		defaultModel: cfg.DefaultModel,
		tickInterval: cfg.TickInterval,
		msgLimit:     cfg.MessagesPerMinute,
		sessions:     cfg.Sessions,
		orch:         cfg.Orchestrator,
		policy:       cfg.Policy,
		clients:      cfg.Broadcaster.Clients(),
		broadcaster:  cfg.Broadcaster,
		approver:     cfg.Approver,
		auth:         NewAuthHandler(cfg.Password),
		logger:       cfg.Logger,
		runCtx:       runCtx,
		cancelRuns:   cancel,
		upgrader: websocket.Upgrader{
			// The password gate runs before the upgrade; the UI is served
			// from other origins during development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured address and serves until ctx ends, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth", s.auth.Enabled()).
		Msg("Starting gateway server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()
	s.startTickEmitter()

	select {
	case err := <-errCh:
		s.stopTickEmitter()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), runDrainTimeout+5*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop interrupts active runs, waits for them to settle and closes every
// connection.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast(EventMessage{
		Type:    EventShutdown,
		Payload: map[string]interface{}{"message": "Server is shutting down"},
	})

	s.cancelRuns()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All runs settled")
	case <-time.After(runDrainTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// startRun launches a run in the background. The session lock is taken
// before it returns, so a second message for a busy session fails here with
// ErrSessionLocked instead of inside the run goroutine.
func (s *Server) startRun(ctx context.Context, sessionID, content string) error {
	// Held until the run is counted so Stop cannot start waiting between
	// the check and the Add.
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return errShuttingDown
	}
	if _, err := s.loadRunnable(ctx, sessionID); err != nil {
		return err
	}
	if content == "" {
		return orchestrator.ErrEmptyInput
	}

	s.runs.Add(1)
	err := s.orch.Start(s.runCtx, sessionID, content, func(outcome orchestrator.Outcome, err error) {
		defer s.runs.Done()
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Str("outcome", string(outcome)).Msg("Run ended with error")
			return
		}
		s.logger.Debug().Str("session_id", sessionID).Str("outcome", string(outcome)).Msg("Run finished")
	})
	if err != nil {
		s.runs.Done()
		return err
	}
	return nil
}

func (s *Server) loadRunnable(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusEnded {
		return nil, session.ErrSessionEnded
	}
	return sess, nil
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast(EventMessage{
					Type:    EventTick,
					Payload: map[string]interface{}{"active_runs": len(s.orch.ActiveRuns())},
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}
