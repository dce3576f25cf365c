// ABOUTME: Stage capability contract invoked once per turn by the router
// ABOUTME: Implementations generate reply text and propose actions from sanitized history

package capability

import (
	"context"
	"fmt"

	"github.com/infinitum-ia/taxi322/internal/state"
)

// Code classifies capability failures.
type Code string

const (
	CodeTimeout   Code = "TIMEOUT"
	CodeMalformed Code = "MALFORMED_OUTPUT"
)

// Error is a classified capability failure. The router turns it into a
// turn_error event and leaves conversation state untouched.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capability %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("capability %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Invocation is one proposed action with its arguments.
type Invocation struct {
	ID   string            `json:"id"`
	Name Action            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// Request carries everything a capability may look at for one turn. History
// is already sanitized; State is a read-only snapshot and must not be
// mutated by the implementation.
type Request struct {
	ConversationID string
	Stage          state.Stage
	History        []state.Message
	State          *state.ConversationState

	// OnToken, when non-nil, receives incremental reply text in order.
	// The full text still arrives in Result.Text.
	OnToken func(token string)
}

// Result is the capability's answer: reply text (possibly empty when an
// action carries the whole meaning) plus zero or more proposed actions in
// order.
type Result struct {
	Text        string
	Invocations []Invocation
}

// Capability is the pluggable conversation engine behind each stage.
type Capability interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}
