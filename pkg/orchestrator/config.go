package orchestrator

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/coretools"
	"github.com/harun/tandem/pkg/session"
	"github.com/harun/tandem/pkg/toolexecutor"
)

const (
	DefaultMaxRounds           = 50
	DefaultWorkerMaxIterations = 20
	DefaultMaxTokens           = 8192
)

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Sessions *session.Manager
	Executor *toolexecutor.ToolExecutor
	Client   agent.Client
	Sink     Sink
	Logger   zerolog.Logger

	// MaxRounds caps the rounds one run may complete.
	MaxRounds           int
	WorkerMaxIterations int
	MaxTokens           int

	InstructorPrompt string
	WorkerPrompt     string

	// InstructorTools and WorkerTools name the executor tools offered to
	// each role. Coordination tools are added for the instructor when the
	// backend supports a worker.
	InstructorTools []string
	WorkerTools     []string

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.WorkerMaxIterations <= 0 {
		c.WorkerMaxIterations = DefaultWorkerMaxIterations
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.InstructorPrompt == "" {
		c.InstructorPrompt = DefaultInstructorPrompt
	}
	if c.WorkerPrompt == "" {
		c.WorkerPrompt = DefaultWorkerPrompt
	}
	if c.InstructorTools == nil {
		c.InstructorTools = coretools.InstructorToolNames()
	}
	if c.WorkerTools == nil {
		c.WorkerTools = coretools.WorkerToolNames()
	}
	if c.Sink == nil {
		c.Sink = nopSink{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks the required collaborators.
func (c Config) Validate() error {
	if c.Sessions == nil {
		return fmt.Errorf("session manager is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("tool executor is required")
	}
	if c.Client == nil {
		return fmt.Errorf("agent client is required")
	}
	for _, name := range c.WorkerTools {
		if toolexecutor.IsCoordinationTool(name) {
			return fmt.Errorf("worker cannot use coordination tool %s", name)
		}
	}
	return nil
}
