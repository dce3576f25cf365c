// ABOUTME: Tests for the memory and SQLite checkpoint stores
// ABOUTME: Runs the same scenarios against both implementations

package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitum-ia/taxi322/internal/state"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlitePath := filepath.Join(t.TempDir(), "checkpoints.db")
	sqliteStore, err := NewSQLiteStore(sqlitePath)
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestLoadMissing(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			st := state.New("c1", "573001112233")
			st.ActiveStage = state.StageNavigator
			st.Intent = state.IntentRequestTaxi
			st.Append(state.Message{ID: "m1", Role: state.RoleUser, Text: "necesito un taxi", CreatedAt: time.Now()})
			st.ParsedAddress = &state.ParsedAddress{WayType: "Calle", WayNumber: "43", OrdinalSufix: "1"}
			st.ValidatedZone = "BARRANQUILLA"
			lat, lng := 10.98, -74.79
			st.Latitude = &lat
			st.Longitude = &lng

			require.NoError(t, s.Save(ctx, st))

			got, err := s.Load(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, st.ID, got.ID)
			assert.Equal(t, state.StageNavigator, got.ActiveStage)
			assert.Equal(t, state.IntentRequestTaxi, got.Intent)
			require.Len(t, got.Messages, 1)
			assert.Equal(t, "necesito un taxi", got.Messages[0].Text)
			require.NotNil(t, got.ParsedAddress)
			assert.Equal(t, "43", got.ParsedAddress.WayNumber)
			require.NotNil(t, got.Latitude)
			assert.Equal(t, 10.98, *got.Latitude)
		})
	}
}

func TestSaveReplacesWholeRecord(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			st := state.New("c1", "u1")
			st.DriverNote = "porton azul"
			require.NoError(t, s.Save(ctx, st))

			st2 := st.Clone()
			st2.DriverNote = ""
			st2.DispatchID = "d-42"
			require.NoError(t, s.Save(ctx, st2))

			got, err := s.Load(ctx, "c1")
			require.NoError(t, err)
			assert.Empty(t, got.DriverNote)
			assert.Equal(t, "d-42", got.DispatchID)
		})
	}
}

func TestListOrdersByRecency(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := state.New("old", "u1")
			old.UpdatedAt = time.Now().Add(-time.Hour)
			recent := state.New("recent", "u2")
			recent.UpdatedAt = time.Now()

			require.NoError(t, s.Save(ctx, old))
			require.NoError(t, s.Save(ctx, recent))

			got, err := s.List(ctx, 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "recent", got[0].ID)

			got, err = s.List(ctx, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
		})
	}
}

func TestDelete(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Save(ctx, state.New("c1", "u1")))
			require.NoError(t, s.Delete(ctx, "c1"))

			_, err := s.Load(ctx, "c1")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, s.Delete(ctx, "c1"), ErrNotFound)
		})
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	st := state.New("c1", "u1")
	st.VehicleRequirements = []string{"mascota"}
	require.NoError(t, s.Save(ctx, st))

	// Mutating the saved value must not affect the stored copy.
	st.VehicleRequirements[0] = "changed"

	got, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "mascota", got.VehicleRequirements[0])

	// Mutating a loaded value must not affect later loads.
	got.VehicleRequirements[0] = "changed"
	again, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "mascota", again.VehicleRequirements[0])
}
