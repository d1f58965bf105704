// Package session keeps coding sessions as append-only event logs and
// rebuilds their state by replaying those logs.
//
// Invariants:
//   - Session ids are generated, unique and path-safe.
//   - An event is durable in the EventStore before it is applied in memory.
//   - Appends for the same session are serialized.
//   - At most one run holds a session's lock at a time.
//
// Usage:
//
//	store, _ := session.NewJSONLStore("/tmp/tandem/sessions", logger)
//	mgr := session.NewManager(store, session.Options{Logger: logger})
//	s, _ := mgr.Create(ctx, "/tmp/project", "claude-sonnet-4-5")
//	_ = mgr.AppendUserMessage(ctx, s.ID, "list files")
package session
