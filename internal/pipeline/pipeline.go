// ABOUTME: Three-stage turn pipeline: input chunking, routing, output pass-through
// ABOUTME: Offers a one-shot Process and a streaming Stream over the same router

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/infinitum-ia/taxi322/internal/capability"
	"github.com/infinitum-ia/taxi322/internal/router"
	"github.com/infinitum-ia/taxi322/internal/state"
)

// TurnReply is the caller-facing outcome of one turn.
type TurnReply struct {
	ConversationID  string `json:"conversation_id"`
	ReplyText       string `json:"reply_text"`
	TransferToHuman bool   `json:"is_transfer_to_human"`
	TransferReason  string `json:"transfer_reason,omitempty"`
	DispatchID      string `json:"dispatch_id,omitempty"`
	Done            bool   `json:"done"`
}

// Config tunes the input stage. Zero values fall back to defaults.
type Config struct {
	// ChunkWords is how many words accumulate before an InputPartial.
	ChunkWords int
	// ChunkDelay separates consecutive InputPartial events.
	ChunkDelay time.Duration
}

// Pipeline wraps the router with the event stages the gateway streams.
type Pipeline struct {
	router *router.Router
	cfg    Config
	logger *slog.Logger
}

// New creates a pipeline over the router.
func New(r *router.Router, cfg Config) *Pipeline {
	if cfg.ChunkWords <= 0 {
		cfg.ChunkWords = 3
	}
	if cfg.ChunkDelay <= 0 {
		cfg.ChunkDelay = 50 * time.Millisecond
	}
	return &Pipeline{
		router: r,
		cfg:    cfg,
		logger: slog.Default().With("component", "pipeline"),
	}
}

// Process runs one turn without event streaming.
func (p *Pipeline) Process(ctx context.Context, req router.TurnRequest) (*TurnReply, error) {
	res, err := p.router.ProcessTurn(ctx, req, router.Callbacks{})
	if err != nil {
		return nil, err
	}
	return replyFrom(res), nil
}

// Stream runs one turn and returns its event feed. Every successful turn
// closes its stage run with a StageEnded, followed by the OutputFinal image;
// failures end with a TurnError. The channel closes after that terminal
// event. Cancelling ctx stops delivery but the turn itself runs to
// completion and persists.
func (p *Pipeline) Stream(ctx context.Context, req router.TurnRequest) <-chan Event {
	ch := make(chan Event, 64)

	go func() {
		defer close(ch)
		emit := func(e Event) {
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		}

		p.chunkInput(ctx, req.Text, emit)

		res, err := p.router.ProcessTurn(context.WithoutCancel(ctx), req, router.Callbacks{
			OnToken: func(tok string) {
				emit(NewReplyToken(tok))
				emit(NewOutputPartial(tok))
			},
			OnActionInvoked: func(inv capability.Invocation) {
				emit(NewActionInvoked(inv.ID, string(inv.Name), inv.Args))
			},
			OnActionResult: func(actionID, payload string) {
				emit(NewActionResult(actionID, payload))
			},
			OnStageEnded: func(from, to state.Stage) {
				emit(NewStageEnded(from, to))
			},
		})
		if err != nil {
			p.logger.Warn("turn failed", "conversation", req.ConversationID, "error", err)
			emit(NewTurnError(errorCode(err), err.Error()))
			return
		}
		emit(NewOutputFinal(*replyFrom(res)))
	}()

	return ch
}

// chunkInput replays the user message as cumulative partials, one every
// ChunkWords words, then the final full text.
func (p *Pipeline) chunkInput(ctx context.Context, text string, emit func(Event)) {
	words := strings.Fields(text)
	for i := p.cfg.ChunkWords; i < len(words); i += p.cfg.ChunkWords {
		emit(NewInputPartial(strings.Join(words[:i], " ")))
		select {
		case <-time.After(p.cfg.ChunkDelay):
		case <-ctx.Done():
		}
	}
	emit(NewInputFinal(text))
}

func errorCode(err error) string {
	var cerr *capability.Error
	if errors.As(err, &cerr) {
		return string(cerr.Code)
	}
	var terr *router.TransitionError
	if errors.As(err, &terr) {
		return "TRANSITION"
	}
	return "INTERNAL"
}

func replyFrom(res *router.TurnResult) *TurnReply {
	return &TurnReply{
		ConversationID:  res.ConversationID,
		ReplyText:       res.ReplyText,
		TransferToHuman: res.TransferToHuman,
		TransferReason:  res.TransferReason,
		DispatchID:      res.DispatchID,
		Done:            res.Done,
	}
}
