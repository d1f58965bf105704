package session

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tandem/pkg/agent"
)

func storeFactories() map[string]func(t *testing.T) EventStore {
	return map[string]func(t *testing.T) EventStore{
		"jsonl": func(t *testing.T) EventStore {
			s, err := NewJSONLStore(t.TempDir(), zerolog.Nop())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) EventStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
			require.NoError(t, err)
			return s
		},
	}
}

func TestEventStores(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			t.Cleanup(func() { _ = store.Close() })

			events, err := store.Events(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, events)

			msg := agent.Message{
				Role:      agent.RoleAssistant,
				Content:   agent.BlocksContent(agent.TextBlock("hi"), agent.ToolUseBlock("tu_1", "bash", []byte(`{"command":"ls"}`))),
				Timestamp: at(1),
			}
			want := []Event{
				NewSessionCreated("s1", "/tmp/a", "m", at(0)),
				NewInstructorMessage(msg),
				NewRoundComplete(1, at(2)),
			}
			for _, ev := range want {
				require.NoError(t, store.Append(ctx, "s1", ev))
			}
			require.NoError(t, store.Append(ctx, "s2", NewSessionCreated("s2", "/tmp/b", "m", at(0))))

			got, err := store.Events(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, EventSessionCreated, got[0].Type)
			assert.Equal(t, EventInstructorMessage, got[1].Type)
			require.NotNil(t, got[1].Message)
			assert.Equal(t, "hi", got[1].Message.Content.PlainText())
			assert.Len(t, got[1].Message.ToolUses(), 1)
			assert.Equal(t, 1, got[2].Round)
			assert.True(t, got[0].Timestamp.Equal(at(0)))

			ids, err := store.IDs(ctx)
			require.NoError(t, err)
			sort.Strings(ids)
			assert.Equal(t, []string{"s1", "s2"}, ids)

			require.NoError(t, store.Delete(ctx, "s1"))
			require.NoError(t, store.Delete(ctx, "s1"), "deleting twice is fine")
			got, err = store.Events(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, got)

			assert.ErrorIs(t, store.Append(ctx, "../escape", NewSessionEnded(at(0))), ErrInvalidSessionID)
		})
	}
}

func TestJSONLStore_SkipsCorruptedLines(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", NewSessionCreated("s1", "/tmp", "", at(0))))

	f, err := os.OpenFile(filepath.Join(dir, "s1.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n{\"no_type\":true}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Append(ctx, "s1", NewRoundComplete(1, at(1))))

	events, err := store.Events(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRoundComplete, events[1].Type)
}

func TestJSONLStore_WireFormat(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, store.Append(context.Background(), "s1", NewUserMessage(userMsg("hello", at(0)))))

	data, err := os.ReadFile(filepath.Join(dir, "s1.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"user_message"`)
	assert.Contains(t, string(data), `"content":"hello"`)
}

func TestJSONLStore_DeleteForgetsWriteLock(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", NewSessionCreated("s1", "/tmp", "", at(0))))
	store.locksMu.Lock()
	assert.Len(t, store.writeLocks, 1)
	store.locksMu.Unlock()

	require.NoError(t, store.Delete(ctx, "s1"))
	store.locksMu.Lock()
	assert.Empty(t, store.writeLocks)
	store.locksMu.Unlock()
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("abc_123-XYZ"))
	for _, bad := range []string{"", "../x", "a/b", "a\\b", "a b", "a\x00"} {
		assert.ErrorIs(t, ValidateID(bad), ErrInvalidSessionID, bad)
	}
}
