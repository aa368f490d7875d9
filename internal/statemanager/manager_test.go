package statemanager

import (
	"lobster-mm-bot-go/internal/models"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStateRepository is a mock implementation of the StateRepository interface for testing.
type mockStateRepository struct {
	sync.Mutex
	savedState   *models.LoopState
	saveCount    int
	saveError    error
	saveDoneChan chan bool // Channel to signal when SaveState is done
}

func newMockStateRepository() *mockStateRepository {
	return &mockStateRepository{
		saveDoneChan: make(chan bool, 16),
	}
}

func (m *mockStateRepository) SaveState(state *models.LoopState) error {
	m.Lock()
	defer m.Unlock()

	m.saveCount++
	m.savedState = state.Clone()

	select {
	case m.saveDoneChan <- true:
	default:
	}
	return m.saveError
}

func (m *mockStateRepository) LoadState(pair string) (*models.LoopState, error) {
	m.Lock()
	defer m.Unlock()
	if m.savedState == nil || m.savedState.Pair != pair {
		return nil, nil
	}
	return m.savedState.Clone(), nil
}

func (m *mockStateRepository) DeleteState(pair string) error { return nil }

func (m *mockStateRepository) Close() error { return nil }

func (m *mockStateRepository) getSavedState() *models.LoopState {
	m.Lock()
	defer m.Unlock()
	return m.savedState
}

func (m *mockStateRepository) wasSaveCalled() bool {
	m.Lock()
	defer m.Unlock()
	return m.saveCount > 0
}

func waitForSave(t *testing.T, repo *mockStateRepository) {
	t.Helper()
	select {
	case <-repo.saveDoneChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state to be saved")
	}
}

// TestNewStateManager verifies that the StateManager is initialized correctly.
func TestNewStateManager(t *testing.T) {
	sm := NewStateManager(&models.LoopState{Pair: "BTCUSDT"}, newMockStateRepository(), zap.NewNop())
	require.NotNil(t, sm)

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, "BTCUSDT", snapshot.Pair)
	assert.NotNil(t, snapshot.Orders, "orders map should be initialised")

	assert.NotNil(t, sm.eventChannel)
	assert.NotNil(t, sm.persistenceChan)
	assert.NotNil(t, sm.stopChan)
}

// TestStateResetEvent tests the handling of a StateResetEvent.
func TestStateResetEvent(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(&models.LoopState{Pair: "BTCUSDT"}, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	sm.DispatchEvent(StateEvent{
		Type:      StateResetEvent,
		Timestamp: time.Now(),
		Data:      &models.LoopState{Pair: "BTCUSDT", Version: 2, SessionStartValue: 1234.5},
	})
	waitForSave(t, repo)

	snapshot := sm.GetStateSnapshot()
	assert.Equal(t, 2, snapshot.Version)
	assert.Equal(t, 1234.5, snapshot.SessionStartValue)

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, 1234.5, saved.SessionStartValue)
}

// TestGridUpdateEvent checks that the stored grid is a copy, not the caller's pointer.
func TestGridUpdateEvent(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(&models.LoopState{Pair: "ETHUSDT", Strategy: models.StrategyGrid}, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	grid := &models.GridState{
		Center: 100,
		Levels: map[int]*models.GridLevel{
			1: {Index: 1, Price: 100.5, Side: models.Sell, Status: models.LevelOpen},
		},
	}
	sm.DispatchEvent(StateEvent{Type: GridUpdateEvent, Timestamp: time.Now(), Data: grid})
	waitForSave(t, repo)

	// Mutating the caller's copy must not leak into the manager.
	grid.Levels[1].Status = models.LevelFilled

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot.Grid)
	require.Contains(t, snapshot.Grid.Levels, 1)
	assert.Equal(t, models.LevelOpen, snapshot.Grid.Levels[1].Status)
}

// TestOrdersAndGuardUpdates applies two mutations and checks both land.
func TestOrdersAndGuardUpdates(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(&models.LoopState{Pair: "SOLUSDT"}, repo, zap.NewNop())
	sm.Start()

	sm.DispatchEvent(StateEvent{Type: OrdersUpdateEvent, Data: map[string]models.CommittedOrder{
		"bid": {Key: "bid", ClientOrderID: "c1", Side: models.Buy, Price: 20, Size: 1},
	}})
	sm.DispatchEvent(StateEvent{Type: GuardUpdateEvent, Data: GuardUpdateData{State: "FROZEN", Reason: "oracle_stale"}})

	// Stop drains queued events and writes a final snapshot.
	sm.Stop()

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, "FROZEN", saved.GuardState)
	assert.Equal(t, "oracle_stale", saved.GuardReason)
	assert.Equal(t, "c1", saved.Orders["bid"].ClientOrderID)
}

// TestAsyncPersistence verifies that state persistence happens asynchronously.
func TestAsyncPersistence(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(&models.LoopState{Pair: "BTCUSDT"}, repo, zap.NewNop())

	// Without Start nothing consumes the queue, so dispatch alone never saves.
	sm.DispatchEvent(StateEvent{Type: GuardUpdateEvent, Data: GuardUpdateData{State: "ACTIVE"}})
	assert.False(t, repo.wasSaveCalled(), "SaveState should not be called synchronously with DispatchEvent")

	sm.Start()
	defer sm.Stop()
	waitForSave(t, repo)

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, "ACTIVE", saved.GuardState)
}

// TestSchedulePersistKeepsLatest checks that an unconsumed snapshot is replaced.
func TestSchedulePersistKeepsLatest(t *testing.T) {
	sm := NewStateManager(&models.LoopState{Pair: "BTCUSDT"}, nil, zap.NewNop())

	sm.schedulePersist(&models.LoopState{Pair: "BTCUSDT", Version: 1})
	sm.schedulePersist(&models.LoopState{Pair: "BTCUSDT", Version: 2})

	latest := <-sm.persistenceChan
	assert.Equal(t, 2, latest.Version)
	assert.Len(t, sm.persistenceChan, 0)
}
