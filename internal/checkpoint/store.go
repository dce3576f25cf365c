// ABOUTME: Store interface and errors for conversation checkpoint persistence
// ABOUTME: Implementations must make Save atomic so a failed turn leaves no partial state

package checkpoint

import (
	"context"
	"errors"

	"github.com/infinitum-ia/taxi322/internal/state"
)

// ErrNotFound is returned when a requested conversation does not exist
var ErrNotFound = errors.New("conversation not found")

// Store defines the interface for conversation state persistence.
// Save must replace the whole record atomically; the router relies on that
// to keep turns all-or-nothing.
type Store interface {
	Load(ctx context.Context, id string) (*state.ConversationState, error)
	Save(ctx context.Context, st *state.ConversationState) error
	List(ctx context.Context, limit int) ([]*state.ConversationState, error)
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
