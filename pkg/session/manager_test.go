package session

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/pkg/agent"
)

func TestMain(m *testing.M) {
	observability.SetAuditWriter(io.Discard)
	os.Exit(m.Run())
}

// flakyStore fails Append on demand.
type flakyStore struct {
	EventStore
	failAppend atomic.Bool
	reads      atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, id string, ev Event) error {
	if f.failAppend.Load() {
		return errors.New("disk full")
	}
	return f.EventStore.Append(ctx, id, ev)
}

func (f *flakyStore) Events(ctx context.Context, id string) ([]Event, error) {
	f.reads.Add(1)
	return f.EventStore.Events(ctx, id)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *flakyStore, *clock) {
	t.Helper()
	jsonl, err := NewJSONLStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	store := &flakyStore{EventStore: jsonl}
	clk := &clock{now: t0}
	m := NewManager(store, Options{Logger: zerolog.Nop(), Now: clk.Now})
	t.Cleanup(func() { _ = m.Close() })
	return m, store, clk
}

func TestManager_CreateAndGet(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "/tmp/proj", "model-x")
	require.NoError(t, err)
	assert.Len(t, s.ID, idLength)
	assert.NoError(t, ValidateID(s.ID))
	assert.Equal(t, StatusInitializing, s.Status)
	assert.Equal(t, "/tmp/proj", s.WorkDir)
	assert.Equal(t, t0, s.CreatedAt)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	// Returned sessions are copies.
	got.History = append(got.History, userMsg("mutated", t0))
	assert.Empty(t, m.Snapshot(s.ID).History)

	_, ok = m.Get("nope")
	assert.False(t, ok)
}

func TestManager_AppendUpdatesMemoryAndStore(t *testing.T) {
	m, store, clk := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "/tmp/proj", "")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	require.NoError(t, m.AppendUserMessage(ctx, s.ID, "hello"))
	require.NoError(t, m.AppendInstructorMessage(ctx, s.ID, agent.Message{
		Content: agent.BlocksContent(agent.ToolUseBlock("tu_1", "glob", []byte(`{}`))),
	}))
	require.NoError(t, m.AppendToolResults(ctx, s.ID, []agent.ContentBlock{
		agent.ToolResultBlock("tu_1", "ok", false),
	}))
	require.NoError(t, m.CompleteRound(ctx, s.ID, 1))
	require.NoError(t, m.SetStatus(ctx, s.ID, StatusWaiting))
	require.NoError(t, m.LinkCLISession(ctx, s.ID, "resume-1"))

	live := m.Snapshot(s.ID)
	require.Len(t, live.History, 3)
	assert.Equal(t, agent.RoleAssistant, live.History[1].Role)
	assert.Equal(t, 1, live.RoundCount)
	assert.Equal(t, StatusWaiting, live.Status)
	assert.Equal(t, "resume-1", live.CLISessionID)
	assert.Equal(t, t0.Add(time.Minute), live.LastActivity)

	events, err := store.Events(ctx, s.ID)
	require.NoError(t, err)
	replayed := Replay(events)
	require.NotNil(t, replayed)
	assert.Equal(t, live.Status, replayed.Status)
	assert.Equal(t, live.RoundCount, replayed.RoundCount)
	assert.Equal(t, live.CLISessionID, replayed.CLISessionID)
	assert.Len(t, replayed.History, len(live.History))
	assert.True(t, live.LastActivity.Equal(replayed.LastActivity))
}

func TestManager_StoreFailureLeavesMemoryUntouched(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "/tmp/proj", "")
	require.NoError(t, err)

	store.failAppend.Store(true)
	err = m.AppendUserMessage(ctx, s.ID, "lost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, m.Snapshot(s.ID).History)

	_, err = m.Create(ctx, "/tmp/other", "")
	assert.Error(t, err)
}

func TestManager_LoadReplaysFromStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store1, err := NewJSONLStore(dir, zerolog.Nop())
	require.NoError(t, err)
	m1 := NewManager(store1, Options{Logger: zerolog.Nop()})
	s, err := m1.Create(ctx, "/tmp/proj", "")
	require.NoError(t, err)
	require.NoError(t, m1.AppendUserMessage(ctx, s.ID, "remember me"))
	require.NoError(t, m1.CompleteRound(ctx, s.ID, 1))

	store2, err := NewJSONLStore(dir, zerolog.Nop())
	require.NoError(t, err)
	m2 := NewManager(store2, Options{Logger: zerolog.Nop()})

	_, ok := m2.Get(s.ID)
	require.False(t, ok)

	loaded, err := m2.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.RoundCount)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, "remember me", loaded.History[0].Content.Text())

	_, ok = m2.Get(s.ID)
	assert.True(t, ok, "loaded sessions are cached")

	_, err = m2.Load(ctx, "doesnotexist")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m2.Load(ctx, "../etc")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestManager_LockIsExclusive(t *testing.T) {
	m, _, _ := newTestManager(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.AcquireLock("abc") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, m.IsLocked("abc"))

	m.ReleaseLock("abc")
	m.ReleaseLock("abc")
	assert.False(t, m.IsLocked("abc"))
	assert.True(t, m.AcquireLock("abc"))
}

func TestManager_EndAndDelete(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "/tmp/proj", "")
	require.NoError(t, err)

	require.True(t, m.AcquireLock(s.ID))
	_, err = m.End(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionLocked)
	assert.ErrorIs(t, m.Delete(ctx, s.ID), ErrSessionLocked)
	m.ReleaseLock(s.ID)

	final, err := m.End(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, StatusEnded, final.Status)
	assert.Equal(t, s.ID, final.ID)
	_, ok := m.Get(s.ID)
	assert.False(t, ok)

	ended, err := m.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)

	require.NoError(t, m.Delete(ctx, s.ID))
	events, err := store.Events(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	_, err = m.Load(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_ForgetsWriteLocks(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	writeLocks := func() int {
		m.locksMu.Lock()
		defer m.locksMu.Unlock()
		return len(m.writeLocks)
	}

	for i := 0; i < 5; i++ {
		s, err := m.Create(ctx, "/tmp/proj", "")
		require.NoError(t, err)
		require.NoError(t, m.AppendUserMessage(ctx, s.ID, "hi"))
		require.Equal(t, 1, writeLocks())

		if i%2 == 0 {
			_, err = m.End(ctx, s.ID)
			require.NoError(t, err)
		} else {
			require.NoError(t, m.Delete(ctx, s.ID))
		}
		assert.Zero(t, writeLocks())
	}
}

func TestManager_ListOrdersByActivity(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clk := &clock{now: t0}

	seedStore, err := NewJSONLStore(dir, zerolog.Nop())
	require.NoError(t, err)
	seed := NewManager(seedStore, Options{Logger: zerolog.Nop(), Now: clk.Now})
	old, err := seed.Create(ctx, "/tmp/old", "")
	require.NoError(t, err)

	jsonl, err := NewJSONLStore(dir, zerolog.Nop())
	require.NoError(t, err)
	store := &flakyStore{EventStore: jsonl}
	m := NewManager(store, Options{Logger: zerolog.Nop(), Now: clk.Now})

	clk.Advance(time.Hour)
	fresh, err := m.Create(ctx, "/tmp/fresh", "")
	require.NoError(t, err)
	clk.Advance(time.Hour)
	newest, err := m.Create(ctx, "/tmp/newest", "")
	require.NoError(t, err)

	infos, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, newest.ID, infos[0].ID)
	assert.Equal(t, fresh.ID, infos[1].ID)
	assert.Equal(t, old.ID, infos[2].ID)

	_, ok := m.Get(old.ID)
	assert.False(t, ok, "listing does not register stored sessions")

	reads := store.reads.Load()
	_, err = m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, reads, store.reads.Load(), "stored summaries come from the cache")
}

func TestManager_Evict(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	idle, err := m.Create(ctx, "/tmp/idle", "")
	require.NoError(t, err)
	busy, err := m.Create(ctx, "/tmp/busy", "")
	require.NoError(t, err)
	require.True(t, m.AcquireLock(busy.ID))

	clk.Advance(40 * time.Minute)
	recent, err := m.Create(ctx, "/tmp/recent", "")
	require.NoError(t, err)

	assert.Equal(t, 1, m.Evict(30*time.Minute))

	_, ok := m.Get(idle.ID)
	assert.False(t, ok)
	_, ok = m.Get(busy.ID)
	assert.True(t, ok, "locked sessions are never evicted")
	_, ok = m.Get(recent.ID)
	assert.True(t, ok)

	reloaded, err := m.Load(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, idle.ID, reloaded.ID)
}
