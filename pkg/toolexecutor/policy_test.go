package toolexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tandem/internal/observability"
)

func TestPermissionPolicy_UnknownToolAsksUser(t *testing.T) {
	p := NewPermissionPolicy(Overrides{})
	assert.Equal(t, LevelAskUser, p.Level("never_registered"))
}

func TestPermissionPolicy_CategoryDefaults(t *testing.T) {
	p := NewPermissionPolicy(Overrides{})
	p.SetDefault("read_file", CategoryRead.DefaultLevel())
	p.SetDefault("write_file", CategoryWrite.DefaultLevel())
	p.SetDefault("bash", CategoryShell.DefaultLevel())

	assert.Equal(t, LevelAlwaysAllowed, p.Level("read_file"))
	assert.Equal(t, LevelAskUser, p.Level("write_file"))
	assert.Equal(t, LevelAskUser, p.Level("bash"))
}

func TestPermissionPolicy_OverridePrecedence(t *testing.T) {
	p := NewPermissionPolicy(Overrides{
		Allow: []string{"bash", "write_file", "git_commit"},
		Ask:   []string{"write_file", "git_commit"},
		Deny:  []string{"git_commit"},
	})
	p.SetDefault("bash", LevelAskUser)

	assert.Equal(t, LevelAlwaysAllowed, p.Level("bash"), "allow overrides the default")
	assert.Equal(t, LevelAskUser, p.Level("write_file"), "ask wins over allow")
	assert.Equal(t, LevelDenied, p.Level("git_commit"), "deny wins over ask and allow")
}

func TestPermissionPolicy_RuntimeChangesAreAudited(t *testing.T) {
	var audit bytes.Buffer
	observability.SetAuditWriter(&audit)
	t.Cleanup(func() { observability.SetAuditWriter(io.Discard) })

	ctx := context.Background()
	p := NewPermissionPolicy(Overrides{})
	p.SetDefault("bash", LevelAskUser)

	p.Grant(ctx, "bash")
	assert.Equal(t, LevelAlwaysAllowed, p.Level("bash"))

	p.Revoke(ctx, "bash")
	assert.Equal(t, LevelDenied, p.Level("bash"))

	p.Set(ctx, "bash", LevelAskUser)
	assert.Equal(t, LevelAskUser, p.Level("bash"))

	assert.Equal(t, 3, bytes.Count(audit.Bytes(), []byte("set:bash")))
}

func TestPermissionPolicy_SetLogsPermissionField(t *testing.T) {
	observability.SetAuditWriter(io.Discard)
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	p := NewPermissionPolicy(Overrides{})
	p.Revoke(context.Background(), "bash")

	line := bytes.TrimSpace(buf.Bytes())
	assert.Equal(t, 1, bytes.Count(line, []byte(`"level":`)), "severity is the only level key: %s", line)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "denied", entry["permission"])
	assert.Equal(t, "bash", entry["tool"])
}

func TestPermissionPolicy_ReloadDropsRuntimeChanges(t *testing.T) {
	observability.SetAuditWriter(io.Discard)
	ctx := context.Background()

	p := NewPermissionPolicy(Overrides{})
	p.SetDefault("bash", LevelAskUser)
	p.SetDefault("read_file", LevelAlwaysAllowed)
	p.Grant(ctx, "bash")

	p.Reload(ctx, Overrides{Deny: []string{"read_file"}})

	assert.Equal(t, LevelAskUser, p.Level("bash"))
	assert.Equal(t, LevelDenied, p.Level("read_file"))
}

func TestPermissionPolicy_Snapshot(t *testing.T) {
	p := NewPermissionPolicy(Overrides{Deny: []string{"bash"}})
	p.SetDefault("read_file", LevelAlwaysAllowed)
	p.SetDefault("bash", LevelAskUser)

	snapshot := p.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, PermissionEntry{Tool: "bash", Level: LevelDenied}, snapshot[0])
	assert.Equal(t, PermissionEntry{Tool: "read_file", Level: LevelAlwaysAllowed}, snapshot[1])
}

func TestParsePermissionLevel(t *testing.T) {
	level, err := ParsePermissionLevel("denied")
	require.NoError(t, err)
	assert.Equal(t, LevelDenied, level)

	_, err = ParsePermissionLevel("sometimes")
	assert.Error(t, err)
}

func TestParseCategory(t *testing.T) {
	cat, err := ParseCategory(" Shell ")
	require.NoError(t, err)
	assert.Equal(t, CategoryShell, cat)

	_, err = ParseCategory("web")
	assert.Error(t, err)
}
