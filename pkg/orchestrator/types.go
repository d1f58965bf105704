package orchestrator

import (
	"errors"
)

// Outcome describes how a run ended.
type Outcome string

const (
	// OutcomeWaitingInput means the instructor handed control back to the user.
	OutcomeWaitingInput Outcome = "waiting_input"
	// OutcomeDone means the instructor declared the task complete.
	OutcomeDone Outcome = "done"
	// OutcomeMaxRounds means the round ceiling was reached.
	OutcomeMaxRounds Outcome = "max_rounds"
	// OutcomeInterrupted means the run was cancelled.
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeError means a backend or storage failure ended the run.
	OutcomeError Outcome = "error"
)

// Agent roles, used for tracing and log context.
const (
	RoleInstructor = "instructor"
	RoleWorker     = "worker"
)

// ErrEmptyInput is returned by Run when the user input is blank.
var ErrEmptyInput = errors.New("input is empty")

const (
	interruptedToolResult = "Tool call was interrupted before it completed."
	workerFallbackSummary = "Worker finished without producing a text summary."
	workerUnavailable     = "worker is not available for this backend"
)
