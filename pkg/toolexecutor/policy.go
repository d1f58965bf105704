package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/harun/tandem/internal/observability"
)

// PermissionLevel decides whether a tool call runs.
type PermissionLevel string

const (
	LevelAlwaysAllowed PermissionLevel = "always_allowed"
	LevelAskUser       PermissionLevel = "ask_user"
	LevelDenied        PermissionLevel = "denied"
)

// ParsePermissionLevel validates a level name.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch PermissionLevel(s) {
	case LevelAlwaysAllowed, LevelAskUser, LevelDenied:
		return PermissionLevel(s), nil
	default:
		return "", fmt.Errorf("invalid permission level: %q", s)
	}
}

// Overrides are explicit per-tool levels from configuration. When a tool
// appears in several lists, deny wins over ask, which wins over allow.
type Overrides struct {
	Allow []string
	Ask   []string
	Deny  []string
}

// PermissionPolicy maps tool names to permission levels. Defaults come from
// tool categories, configuration overrides are layered on top and runtime
// changes (Grant, Revoke, Set) are layered on top of that.
type PermissionPolicy struct {
	mu        sync.RWMutex
	defaults  map[string]PermissionLevel
	overrides Overrides
	runtime   map[string]PermissionLevel
	levels    map[string]PermissionLevel
}

// NewPermissionPolicy creates a policy with the given configuration overrides.
func NewPermissionPolicy(overrides Overrides) *PermissionPolicy {
	p := &PermissionPolicy{
		defaults:  make(map[string]PermissionLevel),
		overrides: overrides,
		runtime:   make(map[string]PermissionLevel),
	}
	p.rebuild()
	return p
}

// SetDefault records the default level of a tool. Called by the executor on
// registration.
func (p *PermissionPolicy) SetDefault(name string, level PermissionLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaults[name] = level
	p.rebuild()
}

// Level returns the effective level of a tool. Unknown tools resolve to
// ask_user.
func (p *PermissionPolicy) Level(name string) PermissionLevel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if level, ok := p.levels[name]; ok {
		return level
	}
	return LevelAskUser
}

// Grant marks a tool as always allowed.
func (p *PermissionPolicy) Grant(ctx context.Context, name string) {
	p.Set(ctx, name, LevelAlwaysAllowed)
}

// Revoke marks a tool as denied.
func (p *PermissionPolicy) Revoke(ctx context.Context, name string) {
	p.Set(ctx, name, LevelDenied)
}

// Set changes the level of a tool at runtime and writes an audit record.
func (p *PermissionPolicy) Set(ctx context.Context, name string, level PermissionLevel) {
	p.mu.Lock()
	p.runtime[name] = level
	p.levels[name] = level
	p.mu.Unlock()

	log.Info().Str("tool", name).Str("permission", string(level)).Msg("Permission changed")
	observability.RecordPermissionAudit(ctx, name, "runtime", string(level))
}

// Reload replaces the configuration overrides. Runtime changes are dropped
// because the configuration file is the newer source of truth.
func (p *PermissionPolicy) Reload(ctx context.Context, overrides Overrides) {
	p.mu.Lock()
	p.overrides = overrides
	p.runtime = make(map[string]PermissionLevel)
	p.rebuild()
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	log.Info().Int("tools", len(snapshot)).Msg("Permission policy reloaded")
	for _, entry := range snapshot {
		observability.RecordPermissionAudit(ctx, entry.Tool, "config", string(entry.Level))
	}
}

// PermissionEntry is one row of a policy snapshot.
type PermissionEntry struct {
	Tool  string          `json:"tool"`
	Level PermissionLevel `json:"level"`
}

// Snapshot returns every known tool with its effective level, sorted by name.
func (p *PermissionPolicy) Snapshot() []PermissionEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *PermissionPolicy) snapshotLocked() []PermissionEntry {
	entries := make([]PermissionEntry, 0, len(p.levels))
	for name, level := range p.levels {
		entries = append(entries, PermissionEntry{Tool: name, Level: level})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Tool < entries[j].Tool })
	return entries
}

// rebuild recomputes effective levels. Caller holds p.mu.
func (p *PermissionPolicy) rebuild() {
	levels := make(map[string]PermissionLevel, len(p.defaults))
	for name, level := range p.defaults {
		levels[name] = level
	}
	for _, name := range p.overrides.Allow {
		levels[name] = LevelAlwaysAllowed
	}
	for _, name := range p.overrides.Ask {
		levels[name] = LevelAskUser
	}
	for _, name := range p.overrides.Deny {
		levels[name] = LevelDenied
	}
	for name, level := range p.runtime {
		levels[name] = level
	}
	p.levels = levels
}
