package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/session"
	"github.com/harun/tandem/pkg/toolexecutor"
)

const tracerName = "tandem.orchestrator"

// Orchestrator drives the Instructor/Worker round loop of sessions.
type Orchestrator struct {
	cfg      Config
	sessions *session.Manager
	executor *toolexecutor.ToolExecutor
	client   agent.Client
	sink     Sink
	logger   zerolog.Logger
	now      func() time.Time
	runs     *runRegistry
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	observability.EnsureRegistered()

	return &Orchestrator{
		cfg:      cfg,
		sessions: cfg.Sessions,
		executor: cfg.Executor,
		client:   cfg.Client,
		sink:     cfg.Sink,
		logger:   cfg.Logger.With().Str("component", "orchestrator").Logger(),
		now:      cfg.Now,
		runs:     newRunRegistry(),
	}, nil
}

// Interrupt cancels the active run of a session. It reports whether a run
// was active; interrupting an idle session is a no-op.
func (o *Orchestrator) Interrupt(sessionID string) bool {
	if !o.runs.cancel(sessionID) {
		return false
	}
	o.logger.Info().Str("session_id", sessionID).Msg("Run interrupt requested")
	return true
}

// IsRunning reports whether a run is active for the session.
func (o *Orchestrator) IsRunning(sessionID string) bool {
	return o.runs.has(sessionID)
}

// ActiveRuns lists the active runs, oldest first.
func (o *Orchestrator) ActiveRuns() []RunInfo {
	return o.runs.list()
}

// Run feeds input to the session and drives rounds until the instructor
// waits for the user, declares the task done, the round ceiling is hit, the
// run is interrupted or it fails. Session errors are returned before any
// state changes. Backend and storage failures return OutcomeError with the
// error; an interrupt returns OutcomeInterrupted and no error.
func (o *Orchestrator) Run(ctx context.Context, sessionID, input string) (Outcome, error) {
	s, err := o.begin(ctx, sessionID, input)
	if err != nil {
		return OutcomeError, err
	}
	return o.execute(ctx, s, input)
}

// Start performs the checks of Run and takes the session lock on the calling
// goroutine, then drives the run in the background. A second Start for the
// same session fails with ErrSessionLocked until the first run releases it.
// done, when set, receives the result of the run.
func (o *Orchestrator) Start(ctx context.Context, sessionID, input string, done func(Outcome, error)) error {
	s, err := o.begin(ctx, sessionID, input)
	if err != nil {
		return err
	}
	go func() {
		outcome, err := o.execute(ctx, s, input)
		if done != nil {
			done(outcome, err)
		}
	}()
	return nil
}

// begin validates the input and takes the session lock. On success the
// caller owns the lock and must hand the session to execute.
func (o *Orchestrator) begin(ctx context.Context, sessionID, input string) (*session.Session, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	if _, err := o.loadRunnable(ctx, sessionID, false); err != nil {
		return nil, err
	}
	if !o.sessions.AcquireLock(sessionID) {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionLocked, sessionID)
	}
	// The session may have ended between the load and the lock.
	s, err := o.loadRunnable(ctx, sessionID, true)
	if err != nil {
		o.sessions.ReleaseLock(sessionID)
		return nil, err
	}
	return s, nil
}

// execute drives the rounds of a session whose lock begin took, and
// releases it.
func (o *Orchestrator) execute(ctx context.Context, s *session.Session, input string) (outcome Outcome, err error) {
	sessionID := s.ID
	ctx = tracing.WithRole(tracing.NewRunContext(ctx, sessionID), RoleInstructor)
	runCtx, cancel := context.WithCancel(ctx)
	run := &runState{
		sessionID: sessionID,
		runID:     tracing.GetRunID(ctx),
		workDir:   s.WorkDir,
		model:     s.Model,
		logger:    tracing.LoggerFromContext(ctx, o.logger),
	}
	o.runs.register(RunInfo{SessionID: sessionID, RunID: run.runID, StartedAt: o.now()}, cancel)

	runCtx, span := tracing.StartSpan(runCtx, tracerName, "orchestrator.run",
		attribute.String("session.id", sessionID),
		attribute.String("run.id", run.runID),
	)

	defer func() {
		cancel()
		o.runs.deregister(sessionID, run.runID)
		o.sessions.ReleaseLock(sessionID)

		observability.RecordRun(string(outcome))
		span.SetAttributes(attribute.String("run.outcome", string(outcome)))
		if outcome == OutcomeError {
			tracing.Fail(span, err)
		}
		span.End()
		run.logger.Info().Str("outcome", string(outcome)).Msg("Run finished")
	}()

	if !s.Status.CanRun() {
		run.logger.Warn().Str("status", string(s.Status)).Msg("Resuming session left mid-run")
	}
	run.logger.Info().Int("round_count", s.RoundCount).Msg("Run started")

	outcome, err = o.loop(runCtx, run, s.RoundCount, input)
	if err != nil {
		return o.fail(runCtx, run, err)
	}
	return outcome, nil
}

// loadRunnable loads the session and rejects it unless a run may start.
// Ended sessions never run. A busy status (thinking, executing) while
// another caller holds the lock means a run is in progress; once held is
// true the busy status is left over from a process that stopped mid-run and
// the session resumes.
func (o *Orchestrator) loadRunnable(ctx context.Context, sessionID string, held bool) (*session.Session, error) {
	s, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.CanRun() {
		return s, nil
	}
	if s.Status == session.StatusEnded {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionEnded, sessionID)
	}
	if !held && o.sessions.IsLocked(sessionID) {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionLocked, sessionID)
	}
	return s, nil
}

func (o *Orchestrator) loop(ctx context.Context, run *runState, round int, input string) (Outcome, error) {
	if err := o.repairDangling(ctx, run); err != nil {
		return OutcomeError, err
	}
	if err := o.sessions.AppendUserMessage(ctx, run.sessionID, input); err != nil {
		return OutcomeError, err
	}

	// The ceiling counts rounds of this run only, so a long session can
	// always be continued.
	for completed := 0; completed < o.cfg.MaxRounds; completed++ {
		if err := ctx.Err(); err != nil {
			return OutcomeInterrupted, err
		}
		if err := o.setStatus(ctx, run, session.StatusThinking); err != nil {
			return OutcomeError, err
		}

		resp, err := o.instructorTurn(ctx, run)
		if err != nil {
			return OutcomeError, err
		}

		msg := resp.Message(o.now())
		if len(resp.Content) > 0 {
			if err := o.sessions.AppendInstructorMessage(ctx, run.sessionID, msg); err != nil {
				return OutcomeError, err
			}
			o.emit(run.sessionID, KindInstructorMessage, map[string]interface{}{
				"text":        msg.Content.PlainText(),
				"content":     resp.Content,
				"stop_reason": string(resp.StopReason),
			})
		}

		calls := msg.ToolUses()
		if len(calls) == 0 {
			return o.suspend(ctx, run, resp.StopReason, msg.Content.PlainText())
		}

		results, err := o.runTools(ctx, run, calls)
		if err != nil {
			return OutcomeError, err
		}

		blocks := make([]agent.ContentBlock, len(results))
		for i, res := range results {
			blocks[i] = res.Block()
		}
		if err := o.sessions.AppendToolResults(ctx, run.sessionID, blocks); err != nil {
			return OutcomeError, err
		}
		for i, res := range results {
			o.emitToolResult(run.sessionID, RoleInstructor, calls[i], res)
		}

		round++
		if err := o.sessions.CompleteRound(ctx, run.sessionID, round); err != nil {
			return OutcomeError, err
		}
		observability.RecordRound()
		o.emit(run.sessionID, KindRoundComplete, map[string]interface{}{"round": round})
	}

	run.logger.Warn().Int("max_rounds", o.cfg.MaxRounds).Msg("Round limit reached")
	o.emitSystem(run.sessionID, LevelWarning,
		fmt.Sprintf("Stopped after %d rounds without finishing. Send a message to continue.", o.cfg.MaxRounds))
	if err := o.setStatus(ctx, run, session.StatusWaiting); err != nil {
		return OutcomeError, err
	}
	return OutcomeMaxRounds, nil
}

// suspend ends a run whose instructor turn requested no tools.
func (o *Orchestrator) suspend(ctx context.Context, run *runState, stop agent.StopReason, text string) (Outcome, error) {
	if err := o.setStatus(ctx, run, session.StatusWaiting); err != nil {
		return OutcomeError, err
	}
	if stop == agent.StopDone {
		o.emit(run.sessionID, KindDone, map[string]interface{}{"summary": text})
		return OutcomeDone, nil
	}
	o.emit(run.sessionID, KindWaitingInput, map[string]interface{}{"prompt": text})
	return OutcomeWaitingInput, nil
}

func (o *Orchestrator) instructorTurn(ctx context.Context, run *runState) (*agent.Response, error) {
	s := o.sessions.Snapshot(run.sessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, run.sessionID)
	}

	req := agent.Request{
		System:      systemPrompt(o.cfg.InstructorPrompt, s.WorkDir),
		Messages:    s.History,
		Tools:       o.instructorTools(),
		Model:       s.Model,
		MaxTokens:   o.cfg.MaxTokens,
		ResumeToken: s.CLISessionID,
		WorkDir:     s.WorkDir,
	}
	resp, err := o.client.Converse(ctx, req, o.streamTo(run.sessionID, RoleInstructor))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s backend returned no response", o.client.Backend())
	}

	if resp.ResumeToken != "" && resp.ResumeToken != s.CLISessionID {
		if err := o.sessions.LinkCLISession(ctx, run.sessionID, resp.ResumeToken); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// runTools executes one round's tool calls in order. When the run is
// cancelled part way, nothing is returned so no partial results get stored.
func (o *Orchestrator) runTools(ctx context.Context, run *runState, calls []agent.ToolCall) ([]toolexecutor.ToolResult, error) {
	execCtx := &toolexecutor.ExecutionContext{
		SessionID:    run.sessionID,
		WorkDir:      run.workDir,
		Role:         RoleInstructor,
		AllowedTools: o.cfg.InstructorTools,
	}

	results := make([]toolexecutor.ToolResult, 0, len(calls))
	executing := false
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.emitToolUse(run.sessionID, RoleInstructor, call)

		if toolexecutor.IsCoordinationTool(call.Name) {
			res, err := o.runWorker(ctx, run, call)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
			continue
		}

		if !executing {
			if err := o.setStatus(ctx, run, session.StatusExecuting); err != nil {
				return nil, err
			}
			executing = true
		}
		results = append(results, o.executor.Execute(ctx, call, execCtx))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// repairDangling answers tool calls left without results by an interrupted
// run, so the history is valid for the next model call.
func (o *Orchestrator) repairDangling(ctx context.Context, run *runState) error {
	s := o.sessions.Snapshot(run.sessionID)
	if s == nil || len(s.History) == 0 {
		return nil
	}
	last := s.History[len(s.History)-1]
	if last.Role != agent.RoleAssistant {
		return nil
	}
	calls := last.ToolUses()
	if len(calls) == 0 {
		return nil
	}

	blocks := make([]agent.ContentBlock, len(calls))
	for i, call := range calls {
		blocks[i] = agent.ToolResultBlock(call.ID, interruptedToolResult, true)
	}
	run.logger.Warn().Int("tool_calls", len(calls)).Msg("Answering tool calls left by an interrupted run")
	return o.sessions.AppendToolResults(ctx, run.sessionID, blocks)
}

// fail turns a loop error into the run outcome and its user-visible message.
func (o *Orchestrator) fail(ctx context.Context, run *runState, err error) (Outcome, error) {
	// Bookkeeping writes must land even though the run context is done.
	bg := context.WithoutCancel(ctx)

	if ctx.Err() != nil || agent.IsAborted(err) {
		run.logger.Info().Msg("Run interrupted")
		o.emitSystem(run.sessionID, LevelInfo, "interrupted")
		if serr := o.setStatus(bg, run, session.StatusWaiting); serr != nil {
			run.logger.Error().Err(serr).Msg("Failed to record status after interrupt")
		}
		return OutcomeInterrupted, nil
	}

	run.logger.Error().Err(err).Msg("Run failed")
	payload := map[string]interface{}{"message": err.Error()}
	if kind := agent.KindOf(err); kind != "" {
		payload["kind"] = string(kind)
	}
	o.emit(run.sessionID, KindError, payload)
	if serr := o.setStatus(bg, run, session.StatusWaiting); serr != nil {
		run.logger.Error().Err(serr).Msg("Failed to record status after error")
	}
	return OutcomeError, err
}

func (o *Orchestrator) setStatus(ctx context.Context, run *runState, status session.Status) error {
	if err := o.sessions.SetStatus(ctx, run.sessionID, status); err != nil {
		return err
	}
	o.emit(run.sessionID, KindStatusUpdate, map[string]interface{}{"status": string(status)})
	return nil
}

func (o *Orchestrator) streamTo(sessionID, source string) agent.StreamFunc {
	return func(ev agent.StreamEvent) {
		payload := map[string]interface{}{"source": source, "delta": string(ev.Type)}
		switch ev.Type {
		case agent.StreamThinkingDelta, agent.StreamTextDelta:
			payload["text"] = ev.Text
		case agent.StreamToolUseDelta:
			payload["tool"] = ev.ToolName
		default:
			return
		}
		o.emit(sessionID, KindThinking, payload)
	}
}

func (o *Orchestrator) emitToolUse(sessionID, source string, call agent.ToolCall) {
	o.emit(sessionID, KindToolUse, map[string]interface{}{
		"tool":        call.Name,
		"tool_use_id": call.ID,
		"input":       call.Input,
		"source":      source,
	})
}

func (o *Orchestrator) emitToolResult(sessionID, source string, call agent.ToolCall, res toolexecutor.ToolResult) {
	o.emit(sessionID, KindToolResult, map[string]interface{}{
		"tool":        call.Name,
		"tool_use_id": res.ToolUseID,
		"success":     res.Success && !res.IsError,
		"is_error":    res.IsError,
		"content":     res.Content,
		"truncated":   res.Truncated,
		"source":      source,
	})
}
