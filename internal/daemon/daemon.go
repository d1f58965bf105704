package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/internal/logger"
	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/coretools"
	"github.com/harun/tandem/pkg/gateway"
	"github.com/harun/tandem/pkg/orchestrator"
	"github.com/harun/tandem/pkg/session"
	"github.com/harun/tandem/pkg/toolexecutor"
)

// Options adjusts how a Daemon is assembled.
type Options struct {
	// Client replaces the backend built from the configuration.
	Client agent.Client
	// Loader enables hot reload of tool permissions from the config file.
	Loader *config.Loader
}

// Daemon wires the session store, tool executor, agent client,
// orchestrator and gateway of one tandem server.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store        session.EventStore
	sessions     *session.Manager
	executor     *toolexecutor.ToolExecutor
	client       agent.Client
	broadcaster  *gateway.EventBroadcaster
	approver     *gateway.WebApprover
	orchestrator *orchestrator.Orchestrator

	gatewayServer *gateway.Server
	cleanup       *session.Cleanup
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running    bool          `json:"running"`
	StartTime  time.Time     `json:"start_time,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	ActiveRuns int           `json:"active_runs"`
	Backend    string        `json:"backend"`
}

// New creates a daemon from cfg.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if err := tracing.InitOpenTelemetry("tandem"); err != nil {
		zl := log.GetZerolog()
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(opts); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(opts); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

func (d *Daemon) initializeCoreModules(opts Options) error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	}

	store, err := newEventStore(cfg.Storage, d.logger.Component("session_store"))
	if err != nil {
		return err
	}
	d.store = store
	d.sessions = session.NewManager(store, session.Options{Logger: zl})
	zl.Info().Str("backend", cfg.Storage.Backend).Msg("Session store initialized")

	client := opts.Client
	if client == nil {
		inner, err := agent.NewClient(agent.Config{
			Backend:   cfg.Agent.Backend,
			APIKey:    cfg.Agent.APIKey,
			BaseURL:   cfg.Agent.BaseURL,
			CLIPath:   cfg.Agent.CLIPath,
			MaxTokens: cfg.Agent.MaxTokens,
		})
		if err != nil {
			return fmt.Errorf("failed to create agent client: %w", err)
		}
		client = agent.NewRetryingClient(agent.Instrument(inner), cfg.Agent.MaxRetries, d.logger.Component("agent"))
	}
	d.client = client
	zl.Info().Str("backend", client.Backend()).Bool("worker", client.SupportsWorker()).Msg("Agent client initialized")

	d.broadcaster = gateway.NewEventBroadcaster(gateway.NewClientRegistry(), d.logger.Component("gateway"))

	approval, err := d.approvalHandler()
	if err != nil {
		return err
	}
	d.executor = toolexecutor.New(toolexecutor.Options{
		Policy:         toolexecutor.NewPermissionPolicy(overridesFrom(cfg.Tools.Permissions)),
		Approval:       approval,
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		Logger:         zl,
	})
	if err := coretools.RegisterCoreTools(d.executor, coretools.Options{
		WorkspaceRoot: cfg.WorkRoot,
		BashTimeout:   cfg.Tools.BashTimeout(),
		Logger:        zl,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	zl.Info().Str("approval", cfg.Tools.Approval).Msg("Tool executor initialized")

	return nil
}

func (d *Daemon) initializeServices(opts Options) error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	orch, err := orchestrator.New(orchestrator.Config{
		Sessions: d.sessions,
		Executor: d.executor,
		Client:   d.client,
		Sink: orchestrator.MultiSink{
			d.broadcaster,
			orchestrator.SinkFunc(countSinkMessage),
		},
		Logger:              d.logger.Component("orchestrator"),
		MaxRounds:           cfg.Agent.MaxRounds,
		WorkerMaxIterations: cfg.Agent.WorkerMaxIterations,
		MaxTokens:           cfg.Agent.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch

	srv, err := gateway.NewServer(gateway.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Password:     cfg.Server.Password,
		WorkRoot:     cfg.WorkRoot,
		DefaultModel: cfg.Agent.Model,
		Sessions:     d.sessions,
		Orchestrator: orch,
		Policy:       d.executor.Policy(),
		Broadcaster:  d.broadcaster,
		Approver:     d.approver,
		Logger:       d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = srv

	idle, err := parseDuration(cfg.Session.IdleEvictAfter)
	if err != nil {
		return fmt.Errorf("session.idle_evict_after: %w", err)
	}
	interval, err := parseDuration(cfg.Session.CleanupInterval)
	if err != nil {
		return fmt.Errorf("session.cleanup_interval: %w", err)
	}
	d.cleanup = session.NewCleanup(d.sessions, idle, interval, zl)

	if opts.Loader != nil {
		d.watcher = config.NewWatcher(opts.Loader, d.applyReload, zl)
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, zl)
	return nil
}

// approvalHandler picks the handler for ask_user tools.
func (d *Daemon) approvalHandler() (toolexecutor.ApprovalHandler, error) {
	switch d.config.Tools.Approval {
	case "", "auto":
		return toolexecutor.AutoApproveHandler{}, nil
	case "deny":
		return toolexecutor.DenyAllHandler{}, nil
	case "web":
		d.approver = gateway.NewWebApprover(d.broadcaster, toolexecutor.DenyAllHandler{})
		return d.approver, nil
	default:
		return nil, fmt.Errorf("unknown approval mode: %s", d.config.Tools.Approval)
	}
}

// applyReload is the config watcher callback. Only the permission lists are
// applied live; everything else needs a restart.
func (d *Daemon) applyReload(cfg *config.Config) error {
	d.executor.Policy().Reload(context.Background(), overridesFrom(cfg.Tools.Permissions))
	logger := d.logger.Component("config")
	logger.Info().
		Int("allow", len(cfg.Tools.Permissions.Allow)).
		Int("ask", len(cfg.Tools.Permissions.Ask)).
		Int("deny", len(cfg.Tools.Permissions.Deny)).
		Msg("Tool permissions reloaded")
	return nil
}

// Run serves until ctx is cancelled or the gateway fails, then shuts every
// component down.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Str("addr", d.config.Server.Addr()).Msg("Starting tandem")

	if err := d.lifecycle.Start(); err != nil {
		d.closeCore()
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.cleanup.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session cleanup")
	}

	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.gatewayServer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if d.watcher != nil {
			d.watcher.Stop()
		}
		if d.cleanup.IsRunning() {
			return d.cleanup.Stop()
		}
		return nil
	})

	err := g.Wait()
	d.shutdown(logger)
	return err
}

func (d *Daemon) shutdown(logger zerolog.Logger) {
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
	d.closeCore()
	d.markStopped()
	logger.Info().Msg("tandem stopped")
}

// closeCore releases what New acquired.
func (d *Daemon) closeCore() {
	logger := d.logger.GetZerolog()
	if d.sessions != nil {
		if err := d.sessions.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close session manager")
		}
		d.sessions = nil
	} else if d.store != nil {
		_ = d.store.Close()
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Backend: d.client.Backend(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
		status.ActiveRuns = len(d.orchestrator.ActiveRuns())
	}
	return status
}

// Handler exposes the gateway's HTTP handler.
func (d *Daemon) Handler() http.Handler {
	return d.gatewayServer.Handler()
}

func newEventStore(cfg config.StorageConfig, logger zerolog.Logger) (session.EventStore, error) {
	switch cfg.Backend {
	case "", "jsonl":
		store, err := session.NewJSONLStore(cfg.SessionsDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open session log directory: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := session.NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open session database: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// OpenSessions opens the configured store for offline use by CLI commands.
func OpenSessions(cfg *config.Config, logger zerolog.Logger) (*session.Manager, error) {
	store, err := newEventStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	return session.NewManager(store, session.Options{Logger: logger}), nil
}

func overridesFrom(p config.PermissionsConfig) toolexecutor.Overrides {
	return toolexecutor.Overrides{Allow: p.Allow, Ask: p.Ask, Deny: p.Deny}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func countSinkMessage(_ string, msg orchestrator.Message) {
	observability.RecordSinkMessage(string(msg.Type))
}
