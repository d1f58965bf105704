package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tandem/pkg/agent"
)

// runState is the transient state of one Run. It is owned by the run's
// goroutine and never shared.
type runState struct {
	sessionID string
	runID     string
	workDir   string
	model     string
	logger    zerolog.Logger

	// worker is the context tell_worker continues. It lives only as long
	// as the run and is never persisted.
	worker *workerContext
}

// workerContext is a worker's private conversation.
type workerContext struct {
	system  string
	history []agent.Message
}

func newWorkerContext(system string) *workerContext {
	return &workerContext{system: system}
}

// addUserText appends text as a user turn. When the last turn is already a
// user turn (tool results left by an exhausted iteration budget) the text is
// merged into it so roles keep alternating.
func (w *workerContext) addUserText(text string, at time.Time) {
	n := len(w.history)
	if n > 0 && w.history[n-1].Role == agent.RoleUser {
		blocks := append(append([]agent.ContentBlock{}, w.history[n-1].Content.AsBlocks()...), agent.TextBlock(text))
		w.history[n-1] = agent.Message{Role: agent.RoleUser, Content: agent.BlocksContent(blocks...), Timestamp: at}
		return
	}
	w.history = append(w.history, agent.Message{Role: agent.RoleUser, Content: agent.TextContent(text), Timestamp: at})
}

func (w *workerContext) add(msg agent.Message) {
	w.history = append(w.history, msg)
}

func (w *workerContext) messages() []agent.Message {
	return append([]agent.Message(nil), w.history...)
}
