package session

import (
	"context"
	"fmt"
	"regexp"
)

// EventStore persists session event logs.
type EventStore interface {
	// Append durably writes ev at the end of the log for id.
	Append(ctx context.Context, id string, ev Event) error
	// Events returns the log for id in append order, or nil when absent.
	Events(ctx context.Context, id string) ([]Event, error)
	// IDs lists every stored session id.
	IDs(ctx context.Context) ([]string, error)
	// Delete removes the log for id. Deleting a missing log is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID rejects ids that are not safe to use as file names.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}
