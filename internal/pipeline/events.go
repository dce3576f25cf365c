// ABOUTME: Turn event model shared by the streaming pipeline and the gateway
// ABOUTME: Each event carries a kind and timestamp and encodes to a type+ts JSON frame

package pipeline

import (
	"encoding/json"
	"time"

	"github.com/infinitum-ia/taxi322/internal/state"
)

// Kind identifies an event type on the wire.
type Kind string

const (
	KindInputPartial  Kind = "input_partial"
	KindInputFinal    Kind = "input_final"
	KindReplyToken    Kind = "reply_token"
	KindActionInvoked Kind = "action_invoked"
	KindActionResult  Kind = "action_result"
	KindStageEnded    Kind = "stage_ended"
	KindTurnError     Kind = "turn_error"
	KindOutputPartial Kind = "output_partial"
	KindOutputFinal   Kind = "output_final"
)

// Event is one observable step of a turn.
type Event interface {
	Kind() Kind
	Timestamp() time.Time

	payload() map[string]any
}

// Base carries the kind and timestamp every event shares.
type Base struct {
	kind      Kind
	timestamp time.Time
}

// NewBase creates a Base stamped with the current time.
func NewBase(kind Kind) Base {
	return Base{kind: kind, timestamp: time.Now()}
}

func (b Base) Kind() Kind           { return b.kind }
func (b Base) Timestamp() time.Time { return b.timestamp }

// Marshal encodes an event as a JSON frame with "type" and "ts" (unix millis)
// alongside the event's own fields.
func Marshal(e Event) ([]byte, error) {
	frame := map[string]any{
		"type": string(e.Kind()),
		"ts":   e.Timestamp().UnixMilli(),
	}
	for k, v := range e.payload() {
		frame[k] = v
	}
	return json.Marshal(frame)
}

// InputPartial carries a cumulative prefix of the user's message.
type InputPartial struct {
	Base
	Text string
}

func NewInputPartial(text string) InputPartial {
	return InputPartial{Base: NewBase(KindInputPartial), Text: text}
}

func (e InputPartial) payload() map[string]any { return map[string]any{"text": e.Text} }

// InputFinal carries the complete user message.
type InputFinal struct {
	Base
	Text string
}

func NewInputFinal(text string) InputFinal {
	return InputFinal{Base: NewBase(KindInputFinal), Text: text}
}

func (e InputFinal) payload() map[string]any { return map[string]any{"text": e.Text} }

// ReplyToken is one streamed fragment of the assistant reply.
type ReplyToken struct {
	Base
	Token string
}

func NewReplyToken(token string) ReplyToken {
	return ReplyToken{Base: NewBase(KindReplyToken), Token: token}
}

func (e ReplyToken) payload() map[string]any { return map[string]any{"token": e.Token} }

// ActionInvoked marks a capability action being applied.
type ActionInvoked struct {
	Base
	ActionID string
	Name     string
	Args     map[string]string
}

func NewActionInvoked(actionID, name string, args map[string]string) ActionInvoked {
	return ActionInvoked{Base: NewBase(KindActionInvoked), ActionID: actionID, Name: name, Args: args}
}

func (e ActionInvoked) payload() map[string]any {
	return map[string]any{"action_id": e.ActionID, "name": e.Name, "args": e.Args}
}

// ActionResult carries the outcome recorded for an invoked action.
type ActionResult struct {
	Base
	ActionID string
	Payload  string
}

func NewActionResult(actionID, payload string) ActionResult {
	return ActionResult{Base: NewBase(KindActionResult), ActionID: actionID, Payload: payload}
}

func (e ActionResult) payload() map[string]any {
	return map[string]any{"action_id": e.ActionID, "payload": e.Payload}
}

// StageEnded marks a stage transition committed during the turn.
type StageEnded struct {
	Base
	From state.Stage
	To   state.Stage
}

func NewStageEnded(from, to state.Stage) StageEnded {
	return StageEnded{Base: NewBase(KindStageEnded), From: from, To: to}
}

func (e StageEnded) payload() map[string]any {
	return map[string]any{"from": string(e.From), "to": string(e.To)}
}

// TurnError reports a failed turn. The conversation keeps its previous state.
type TurnError struct {
	Base
	Code    string
	Message string
}

func NewTurnError(code, message string) TurnError {
	return TurnError{Base: NewBase(KindTurnError), Code: code, Message: message}
}

func (e TurnError) payload() map[string]any {
	return map[string]any{"code": e.Code, "message": e.Message}
}

// OutputPartial mirrors reply tokens on the output stage. It is the seam
// where audio synthesis would attach.
type OutputPartial struct {
	Base
	Text string
}

func NewOutputPartial(text string) OutputPartial {
	return OutputPartial{Base: NewBase(KindOutputPartial), Text: text}
}

func (e OutputPartial) payload() map[string]any { return map[string]any{"text": e.Text} }

// OutputFinal closes a successful turn with the committed reply.
type OutputFinal struct {
	Base
	Reply TurnReply
}

func NewOutputFinal(reply TurnReply) OutputFinal {
	return OutputFinal{Base: NewBase(KindOutputFinal), Reply: reply}
}

func (e OutputFinal) payload() map[string]any {
	return map[string]any{
		"conversation_id":      e.Reply.ConversationID,
		"reply_text":           e.Reply.ReplyText,
		"is_transfer_to_human": e.Reply.TransferToHuman,
		"transfer_reason":      e.Reply.TransferReason,
		"dispatch_id":          e.Reply.DispatchID,
		"done":                 e.Reply.Done,
	}
}
