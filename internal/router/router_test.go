// ABOUTME: Tests for the per-turn orchestration and the stage transition rules
// ABOUTME: Walks full bookings through the scripted capability and probes failure paths

package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitum-ia/taxi322/internal/capability"
	"github.com/infinitum-ia/taxi322/internal/checkpoint"
	"github.com/infinitum-ia/taxi322/internal/dispatch"
	"github.com/infinitum-ia/taxi322/internal/state"
)

type fakeBackend struct {
	mu           sync.Mutex
	profile      *dispatch.Profile
	profileErr   error
	coords       *dispatch.Coordinates
	geocodeErr   error
	geocodeCalls int
	dispatchID   string
	registerErr  error
	lastReg      dispatch.Registration
}

func (f *fakeBackend) CustomerProfile(ctx context.Context, customerID string) (*dispatch.Profile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	if f.profile == nil {
		return nil, dispatch.ErrNotFound
	}
	return f.profile, nil
}

func (f *fakeBackend) Geocode(ctx context.Context, customerID, normalized string) (*dispatch.Coordinates, error) {
	f.mu.Lock()
	f.geocodeCalls++
	f.mu.Unlock()
	return f.coords, f.geocodeErr
}

func (f *fakeBackend) Register(ctx context.Context, reg dispatch.Registration) (string, error) {
	f.mu.Lock()
	f.lastReg = reg
	f.mu.Unlock()
	if f.registerErr != nil {
		return "", f.registerErr
	}
	return f.dispatchID, nil
}

// capabilityFunc adapts a function to the Capability interface.
type capabilityFunc func(ctx context.Context, req capability.Request) (*capability.Result, error)

func (f capabilityFunc) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	return f(ctx, req)
}

func newTestRouter(t *testing.T, invoker capability.Capability, backend *fakeBackend) (*Router, checkpoint.Store) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	r := New(store, invoker, Backends{
		Customers:  backend,
		Geocoder:   backend,
		Dispatcher: backend,
	}, Options{})
	return r, store
}

func turn(t *testing.T, r *Router, conversationID, text string) *TurnResult {
	t.Helper()
	res, err := r.ProcessTurn(context.Background(), TurnRequest{
		ConversationID: conversationID,
		CustomerID:     "573001112233",
		Text:           text,
	}, Callbacks{})
	require.NoError(t, err)
	return res
}

func TestFullBookingFlow(t *testing.T) {
	backend := &fakeBackend{
		coords:     &dispatch.Coordinates{Latitude: 10.9878, Longitude: -74.7889},
		dispatchID: "TXI-42af",
	}
	r, _ := newTestRouter(t, capability.NewScripted(), backend)

	res := turn(t, r, "conv-1", "buenas, necesito un taxi")
	assert.Equal(t, state.StageNavigator, res.Stage)
	assert.False(t, res.Done)

	res = turn(t, r, "conv-1", "calle 43 # 50 - 12, El Prado")
	assert.Equal(t, state.StageOperator, res.Stage)
	require.NotNil(t, res.State.ParsedAddress)
	assert.Equal(t, "BARRANQUILLA", res.State.ValidatedZone)

	res = turn(t, r, "conv-1", "pago con nequi")
	assert.Equal(t, state.StageConfirm, res.Stage)
	assert.Equal(t, state.PaymentNequi, res.State.PaymentMethod)
	assert.True(t, res.State.HasCoordinates())
	assert.Equal(t, 1, backend.geocodeCalls)

	res = turn(t, r, "conv-1", "si, confirmo")
	assert.Equal(t, state.StageDone, res.Stage)
	assert.True(t, res.Done)
	assert.Equal(t, "TXI-42af", res.DispatchID)
	assert.False(t, res.TransferToHuman)

	assert.Equal(t, "nequi", backend.lastReg.VehicleType)
	assert.Equal(t, "BARRANQUILLA", backend.lastReg.Zone)
	assert.Contains(t, backend.lastReg.Address, "Calle 43")
	require.NotNil(t, backend.lastReg.Latitude)
	assert.InDelta(t, 10.9878, *backend.lastReg.Latitude, 0.0001)
}

func TestStageEndedClosesEveryTurn(t *testing.T) {
	r, _ := newTestRouter(t, capability.NewScripted(), &fakeBackend{})

	turn(t, r, "conv-12", "necesito un taxi")

	// Clarifying turn: the stage does not transition, but its run still ends.
	var got [][2]state.Stage
	_, err := r.ProcessTurn(context.Background(), TurnRequest{
		ConversationID: "conv-12",
		CustomerID:     "573001112233",
		Text:           "desde mi casa",
	}, Callbacks{OnStageEnded: func(from, to state.Stage) {
		got = append(got, [2]state.Stage{from, to})
	}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, state.StageNavigator, got[0][0])
	assert.Equal(t, state.StageNavigator, got[0][1])
}

func TestTerminalConversationReleasesLock(t *testing.T) {
	human := capabilityFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{Invocations: []capability.Invocation{
			{ID: "a1", Name: capability.ActionTransferToHuman},
		}}, nil
	})
	r, _ := newTestRouter(t, human, &fakeBackend{})

	res := turn(t, r, "conv-13", "quiero hablar con alguien")
	require.True(t, res.Done)

	r.mu.Lock()
	_, held := r.locks["conv-13"]
	r.mu.Unlock()
	assert.False(t, held)

	// Live conversations keep their entry.
	r2, _ := newTestRouter(t, capability.NewScripted(), &fakeBackend{})
	turn(t, r2, "conv-14", "necesito un taxi")
	r2.mu.Lock()
	_, held = r2.locks["conv-14"]
	r2.mu.Unlock()
	assert.True(t, held)
}

func TestActionOutsideStageIsTransitionError(t *testing.T) {
	rogue := capabilityFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{Invocations: []capability.Invocation{
			{ID: "a1", Name: capability.ActionRegisterDispatch},
		}}, nil
	})
	r, store := newTestRouter(t, rogue, &fakeBackend{})

	_, err := r.ProcessTurn(context.Background(), TurnRequest{ConversationID: "conv-2", Text: "hola"}, Callbacks{})
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, state.StageIntake, terr.From)
	assert.Equal(t, capability.ActionRegisterDispatch, terr.Action)

	// Nothing was persisted.
	_, err = store.Load(context.Background(), "conv-2")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestPlaceholderTextUsesFallbackAnnouncement(t *testing.T) {
	silent := capabilityFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{
			Text: "...",
			Invocations: []capability.Invocation{{
				ID:   "a1",
				Name: capability.ActionTransferToNavigator,
				Args: map[string]string{capability.ArgIntent: string(state.IntentRequestTaxi)},
			}},
		}, nil
	})
	r, _ := newTestRouter(t, silent, &fakeBackend{})

	res := turn(t, r, "conv-3", "necesito un taxi")
	assert.Equal(t, state.StageNavigator, res.Stage)
	assert.Equal(t, DefaultFallbacks()[capability.ActionTransferToNavigator], res.ReplyText)
}

func TestCapabilityErrorLeavesStateUntouched(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	st := state.New("conv-4", "573001112233")
	st.ActiveStage = state.StageNavigator
	st.CustomerChecked = true
	st.Append(state.Message{ID: "m1", Role: state.RoleUser, Text: "necesito un taxi"})
	st.Append(state.Message{ID: "m2", Role: state.RoleAssistant, Text: "¿A qué dirección?"})
	require.NoError(t, store.Save(context.Background(), st))

	failing := capabilityFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return nil, &capability.Error{Code: capability.CodeMalformed, Message: "bad output"}
	})
	r := New(store, failing, Backends{}, Options{})

	_, err := r.ProcessTurn(context.Background(), TurnRequest{ConversationID: "conv-4", Text: "calle 72"}, Callbacks{})
	var cerr *capability.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, capability.CodeMalformed, cerr.Code)

	loaded, err := store.Load(context.Background(), "conv-4")
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 2)
	assert.Equal(t, state.StageNavigator, loaded.ActiveStage)
}

func TestTurnsForSameConversationAreSerialized(t *testing.T) {
	var active, violations int32
	slow := capabilityFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.AddInt32(&violations, 1)
		}
		defer atomic.AddInt32(&active, -1)
		time.Sleep(20 * time.Millisecond)
		return &capability.Result{Text: "¿A qué dirección enviamos el vehículo?"}, nil
	})
	r, store := newTestRouter(t, slow, &fakeBackend{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ProcessTurn(context.Background(), TurnRequest{
				ConversationID: "conv-5",
				Text:           "hola",
			}, Callbacks{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&violations))
	loaded, err := store.Load(context.Background(), "conv-5")
	require.NoError(t, err)
	// Each turn committed one user and one assistant message.
	assert.Len(t, loaded.Messages, 8)
}

func TestParseFailureAsksClarifyingQuestion(t *testing.T) {
	r, _ := newTestRouter(t, capability.NewScripted(), &fakeBackend{})

	turn(t, r, "conv-6", "necesito un taxi")
	res := turn(t, r, "conv-6", "999")

	assert.Equal(t, state.StageNavigator, res.Stage)
	assert.Contains(t, res.ReplyText, "No logré entender la dirección")
	assert.Nil(t, res.State.ParsedAddress)
}

func TestOutOfCoverageCityStaysInNavigator(t *testing.T) {
	r, _ := newTestRouter(t, capability.NewScripted(), &fakeBackend{})

	turn(t, r, "conv-7", "necesito un taxi")
	res := turn(t, r, "conv-7", "calle 30 # 5 - 10, centro, cartagena")

	assert.Equal(t, state.StageNavigator, res.Stage)
	assert.Contains(t, res.ReplyText, "Barranquilla, Soledad, Puerto Colombia y Galapa")
	assert.Empty(t, res.State.ValidatedZone)
}

func TestMissingCoordinatesTransfersToHuman(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	st := state.New("conv-8", "573001112233")
	st.ActiveStage = state.StageConfirm
	st.CustomerChecked = true
	st.GeocodeChecked = true
	st.ParsedAddress = &state.ParsedAddress{WayType: "Calle", WayNumber: "72", CrossNumber: "43"}
	st.ValidatedZone = "BARRANQUILLA"
	st.PaymentMethod = state.PaymentCash
	require.NoError(t, store.Save(context.Background(), st))

	r := New(store, capability.NewScripted(), Backends{Dispatcher: &fakeBackend{dispatchID: "x"}}, Options{})
	res, err := r.ProcessTurn(context.Background(), TurnRequest{ConversationID: "conv-8", Text: "si, confirmo"}, Callbacks{})
	require.NoError(t, err)

	assert.True(t, res.TransferToHuman)
	assert.True(t, res.Done)
	assert.Empty(t, res.DispatchID)
	assert.Contains(t, res.TransferReason, "coordenadas")
	assert.Contains(t, res.ReplyText, "verificar tu dirección")
}

func TestRegisterBackendDownTransfersToHuman(t *testing.T) {
	backend := &fakeBackend{
		coords:      &dispatch.Coordinates{Latitude: 10.98, Longitude: -74.78},
		registerErr: dispatch.ErrBackendDown,
	}
	r, _ := newTestRouter(t, capability.NewScripted(), backend)

	turn(t, r, "conv-9", "necesito un taxi")
	turn(t, r, "conv-9", "carrera 50 # 80 - 20, El Prado")
	turn(t, r, "conv-9", "pago en efectivo")
	res := turn(t, r, "conv-9", "si, confirmo")

	assert.True(t, res.TransferToHuman)
	assert.Contains(t, res.ReplyText, "problemas técnicos")
}

func TestActiveServiceShortCircuitsIntake(t *testing.T) {
	backend := &fakeBackend{profile: &dispatch.Profile{
		Name:             "Carlos",
		HasActiveService: true,
		ActiveServiceID:  "TXI-9912",
	}}
	r, _ := newTestRouter(t, capability.NewScripted(), backend)

	res := turn(t, r, "conv-10", "necesito un taxi")
	assert.True(t, res.TransferToHuman)
	assert.True(t, res.Done)
	assert.Contains(t, res.ReplyText, "servicio activo")
}

func TestTerminalConversationDoesNotInvokeCapability(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	st := state.New("conv-11", "x")
	st.ActiveStage = state.StageDone
	st.DispatchID = "TXI-1"
	require.NoError(t, store.Save(context.Background(), st))

	var calls int32
	counting := capabilityFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		atomic.AddInt32(&calls, 1)
		return &capability.Result{Text: "hola"}, nil
	})
	r := New(store, counting, Backends{}, Options{})

	res, err := r.ProcessTurn(context.Background(), TurnRequest{ConversationID: "conv-11", Text: "y mi taxi?"}, Callbacks{})
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Contains(t, res.ReplyText, "finalizó")
}

func TestHistoryIsSanitizedBeforeCapability(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	st := state.New("conv-12", "x")
	st.ActiveStage = state.StageNavigator
	st.CustomerChecked = true
	st.Append(state.Message{ID: "m1", Role: state.RoleUser, Text: "necesito un taxi"})
	// Orphan result from an interrupted turn; its invocation was never committed.
	st.Append(state.Message{ID: "m2", Role: state.RoleActionResult, ActionID: "ghost", Text: "stale"})
	require.NoError(t, store.Save(context.Background(), st))

	inspecting := capabilityFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		for _, msg := range req.History {
			assert.NotEqual(t, "ghost", msg.ActionID)
		}
		return &capability.Result{Text: "¿A qué dirección?"}, nil
	})
	r := New(store, inspecting, Backends{}, Options{})

	_, err := r.ProcessTurn(context.Background(), TurnRequest{ConversationID: "conv-12", Text: "calle"}, Callbacks{})
	require.NoError(t, err)
}

func TestBacktrackClearsDownstreamFields(t *testing.T) {
	backend := &fakeBackend{
		coords:     &dispatch.Coordinates{Latitude: 10.98, Longitude: -74.78},
		dispatchID: "TXI-7",
	}
	r, _ := newTestRouter(t, capability.NewScripted(), backend)

	turn(t, r, "conv-13", "necesito un taxi")
	turn(t, r, "conv-13", "calle 43 # 50 - 12, El Prado")
	turn(t, r, "conv-13", "pago con nequi y llevo una mascota")

	res := turn(t, r, "conv-13", "la direccion esta mal")
	assert.Equal(t, state.StageNavigator, res.Stage)
	assert.Empty(t, res.State.PaymentMethod)
	assert.Empty(t, res.State.VehicleRequirements)
	assert.False(t, res.State.GeocodeChecked)
	// Address survives the backtrack; it will be overwritten by the retry.
	assert.NotNil(t, res.State.ParsedAddress)

	res = turn(t, r, "conv-13", "carrera 50 # 80 - 20, Villa Katanga")
	assert.Equal(t, state.StageOperator, res.Stage)
	assert.Equal(t, "SOLEDAD", res.State.ValidatedZone)

	res = turn(t, r, "conv-13", "pago en efectivo")
	assert.Equal(t, state.StageConfirm, res.Stage)
	// The new address geocodes again.
	assert.Equal(t, 2, backend.geocodeCalls)

	res = turn(t, r, "conv-13", "listo, confirmo")
	assert.Equal(t, "TXI-7", res.DispatchID)
	assert.Equal(t, "amplio", backend.lastReg.VehicleType)
}

func TestCombineVehicleType(t *testing.T) {
	st := &state.ConversationState{PaymentMethod: state.PaymentCash}
	assert.Equal(t, "amplio", CombineVehicleType(st))

	st = &state.ConversationState{
		PaymentMethod:       state.PaymentNequi,
		VehicleRequirements: []string{"parrilla", "carga"},
	}
	assert.Equal(t, "nequi, parrilla, carga", CombineVehicleType(st))

	st = &state.ConversationState{PaymentMethod: state.PaymentDaviplata}
	assert.Equal(t, "daviplata", CombineVehicleType(st))
}

func TestBackendDownCustomerLookupDegradesToEmptyProfile(t *testing.T) {
	backend := &fakeBackend{profileErr: dispatch.ErrBackendDown}
	r, _ := newTestRouter(t, capability.NewScripted(), backend)

	res := turn(t, r, "conv-14", "necesito un taxi")
	assert.Equal(t, state.StageNavigator, res.Stage)
	assert.False(t, res.TransferToHuman)
	// Not marked checked, so a later turn may retry.
	assert.False(t, res.State.CustomerChecked)
}

func TestUnexpectedCapabilityErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection reset")
	failing := capabilityFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return nil, boom
	})
	r, _ := newTestRouter(t, failing, &fakeBackend{})

	_, err := r.ProcessTurn(context.Background(), TurnRequest{ConversationID: "conv-15", Text: "hola"}, Callbacks{})
	assert.ErrorIs(t, err, boom)
}
