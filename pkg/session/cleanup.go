package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)

// Cleanup periodically evicts idle sessions from the registry.
type Cleanup struct {
	manager     *Manager
	idleTimeout time.Duration
	interval    time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewCleanup creates a cleanup job. Zero durations use the defaults.
func NewCleanup(manager *Manager, idleTimeout, interval time.Duration, logger zerolog.Logger) *Cleanup {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Cleanup{
		manager:     manager,
		idleTimeout: idleTimeout,
		interval:    interval,
		logger:      logger.With().Str("component", "session_cleanup").Logger(),
	}
}

// Start schedules the eviction job.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", c.interval)
	if _, err := c.cron.AddFunc(spec, c.run); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	c.cron.Start()
	c.running = true

	c.logger.Info().
		Dur("idle_timeout", c.idleTimeout).
		Dur("interval", c.interval).
		Msg("Session cleanup started")
	return nil
}

// Stop cancels the schedule and waits for a running job to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}

	<-c.cron.Stop().Done()
	c.running = false

	c.logger.Info().Msg("Session cleanup stopped")
	return nil
}

// IsRunning returns whether the cleanup is running
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CleanupNow runs one eviction pass and returns the number evicted.
func (c *Cleanup) CleanupNow() int {
	return c.manager.Evict(c.idleTimeout)
}

func (c *Cleanup) run() {
	n := c.CleanupNow()
	c.logger.Debug().Int("evicted", n).Msg("Cleanup pass finished")
}
