// ABOUTME: Tests for turn event streaming, input chunking, and the one-shot path
// ABOUTME: Runs the scripted capability through real router and memory store

package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitum-ia/taxi322/internal/capability"
	"github.com/infinitum-ia/taxi322/internal/checkpoint"
	"github.com/infinitum-ia/taxi322/internal/router"
	"github.com/infinitum-ia/taxi322/internal/state"
)

type capabilityFunc func(ctx context.Context, req capability.Request) (*capability.Result, error)

func (f capabilityFunc) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	return f(ctx, req)
}

func newTestPipeline(t *testing.T, invoker capability.Capability) (*Pipeline, checkpoint.Store) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	r := router.New(store, invoker, router.Backends{}, router.Options{})
	return New(r, Config{ChunkDelay: time.Millisecond}), store
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-deadline:
			t.Fatal("event stream did not close")
		}
	}
}

func TestProcessRunsTurn(t *testing.T) {
	p, _ := newTestPipeline(t, capability.NewScripted())

	reply, err := p.Process(context.Background(), router.TurnRequest{Text: "necesito un taxi"})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.ConversationID)
	assert.NotEmpty(t, reply.ReplyText)
	assert.False(t, reply.Done)
}

func TestStreamEventSequence(t *testing.T) {
	p, _ := newTestPipeline(t, capability.NewScripted())

	events := collect(t, p.Stream(context.Background(), router.TurnRequest{
		ConversationID: "c1",
		Text:           "buenas necesito un taxi ya",
	}))
	require.NotEmpty(t, events)

	assert.Equal(t, KindInputPartial, events[0].Kind())
	assert.Equal(t, "buenas necesito un", events[0].(InputPartial).Text)
	assert.Equal(t, KindInputFinal, events[1].Kind())
	assert.Equal(t, KindOutputFinal, events[len(events)-1].Kind())

	kinds := make(map[Kind]bool)
	for _, e := range events {
		kinds[e.Kind()] = true
	}
	assert.True(t, kinds[KindActionInvoked])
	assert.True(t, kinds[KindActionResult])
	assert.True(t, kinds[KindStageEnded])

	// The stage run closes right before the output image.
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, KindStageEnded, events[len(events)-2].Kind())

	for _, e := range events {
		if se, ok := e.(StageEnded); ok {
			assert.Equal(t, state.StageIntake, se.From)
			assert.Equal(t, state.StageNavigator, se.To)
		}
	}
}

func TestStreamStageEndedWithoutTransition(t *testing.T) {
	p, _ := newTestPipeline(t, capability.NewScripted())

	_, err := p.Process(context.Background(), router.TurnRequest{ConversationID: "c6", Text: "necesito un taxi"})
	require.NoError(t, err)

	// Clarifying turn: stays in NAVIGATOR and answers with plain text.
	events := collect(t, p.Stream(context.Background(), router.TurnRequest{
		ConversationID: "c6",
		Text:           "desde mi casa",
	}))
	require.NotEmpty(t, events)

	assert.Equal(t, KindOutputFinal, events[len(events)-1].Kind())
	require.Equal(t, KindStageEnded, events[len(events)-2].Kind())
	se := events[len(events)-2].(StageEnded)
	assert.Equal(t, state.StageNavigator, se.From)
	assert.Equal(t, state.StageNavigator, se.To)
}

func TestStreamReplyTokensMatchFinalText(t *testing.T) {
	p, _ := newTestPipeline(t, capability.NewScripted())

	// Second turn sits in NAVIGATOR and answers with plain text.
	_, err := p.Process(context.Background(), router.TurnRequest{ConversationID: "c2", Text: "necesito un taxi"})
	require.NoError(t, err)

	events := collect(t, p.Stream(context.Background(), router.TurnRequest{
		ConversationID: "c2",
		Text:           "desde mi casa",
	}))

	var tokens []string
	var final *OutputFinal
	for _, e := range events {
		switch ev := e.(type) {
		case ReplyToken:
			tokens = append(tokens, ev.Token)
		case OutputFinal:
			final = &ev
		}
	}
	require.NotNil(t, final)
	require.NotEmpty(t, tokens)
	assert.Equal(t, final.Reply.ReplyText, strings.Join(tokens, ""))
}

func TestStreamTurnError(t *testing.T) {
	rogue := capabilityFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{Invocations: []capability.Invocation{
			{ID: "a1", Name: capability.ActionRegisterDispatch},
		}}, nil
	})
	p, store := newTestPipeline(t, rogue)

	events := collect(t, p.Stream(context.Background(), router.TurnRequest{
		ConversationID: "c3",
		Text:           "hola",
	}))
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, KindTurnError, last.Kind())
	assert.Equal(t, "TRANSITION", last.(TurnError).Code)

	// The failed turn left nothing behind.
	_, err := store.Load(context.Background(), "c3")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStreamConsumerCancelDoesNotAbortTurn(t *testing.T) {
	p, store := newTestPipeline(t, capability.NewScripted())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	collect(t, p.Stream(ctx, router.TurnRequest{ConversationID: "c4", Text: "necesito un taxi"}))

	st, err := store.Load(context.Background(), "c4")
	require.NoError(t, err)
	assert.Equal(t, state.StageNavigator, st.ActiveStage)
}

func TestMarshalFrame(t *testing.T) {
	data, err := Marshal(NewStageEnded(state.StageIntake, state.StageNavigator))
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "stage_ended", frame["type"])
	assert.Equal(t, "INTAKE", frame["from"])
	assert.Equal(t, "NAVIGATOR", frame["to"])
	assert.IsType(t, float64(0), frame["ts"])
}

func TestChunkInputShortTextEmitsOnlyFinal(t *testing.T) {
	p, _ := newTestPipeline(t, capability.NewScripted())

	events := collect(t, p.Stream(context.Background(), router.TurnRequest{
		ConversationID: "c5",
		Text:           "un taxi",
	}))
	require.NotEmpty(t, events)
	assert.Equal(t, KindInputFinal, events[0].Kind())
}
