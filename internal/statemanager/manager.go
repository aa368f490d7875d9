package statemanager

import (
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"lobster-mm-bot-go/internal/persistence"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType defines the type of a state mutation
type EventType int

const (
	StateResetEvent EventType = iota
	GridUpdateEvent
	OrdersUpdateEvent
	GuardUpdateEvent
)

// StateEvent is a standardized internal representation of a state mutation
type StateEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// GuardUpdateData is the payload of a GuardUpdateEvent.
type GuardUpdateData struct {
	State  string
	Reason string
}

// StateManager is responsible for all loop state mutations and persistence.
// Mutations are applied serially; snapshots are saved asynchronously and
// coalesced so a slow disk never stalls the control loop.
type StateManager struct {
	mu              sync.RWMutex
	state           *models.LoopState
	repo            persistence.StateRepository
	eventChannel    chan StateEvent
	persistenceChan chan *models.LoopState
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(initialState *models.LoopState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if initialState.Orders == nil {
		initialState.Orders = make(map[string]models.CommittedOrder)
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan StateEvent, 1024),
		persistenceChan: make(chan *models.LoopState, 1), // only the latest snapshot matters
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started.", zap.String("pair", sm.state.Pair))
}

// Stop drains pending mutations, shuts the loops down and writes a final snapshot.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		if err := sm.Flush(); err != nil {
			sm.logger.Error("Failed to save final state.", zap.Error(err))
		}
		sm.logger.Info("StateManager stopped.")
	})
}

// DispatchEvent sends a mutation to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event StateEvent) {
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
		sm.logger.Warn("Dropping state event after stop.", zap.Int("type", int(event.Type)))
	}
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.LoopState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Clone()
}

// Flush synchronously saves the current state.
func (sm *StateManager) Flush() error {
	if sm.repo == nil {
		return nil
	}
	return sm.repo.SaveState(sm.GetStateSnapshot())
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			// Apply whatever was queued before the stop.
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			if sm.repo != nil {
				if err := sm.repo.SaveState(stateToSave); err != nil {
					sm.logger.Error("Failed to save state.", zap.String("pair", stateToSave.Pair), zap.Error(err))
				}
			}
		case <-sm.stopChan:
			return
		}
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event StateEvent) {
	sm.mu.Lock()
	switch event.Type {
	case StateResetEvent:
		if newState, ok := event.Data.(*models.LoopState); ok && newState != nil {
			sm.state = newState.Clone()
			if sm.state.Orders == nil {
				sm.state.Orders = make(map[string]models.CommittedOrder)
			}
			sm.logger.Info("State has been reset.", zap.String("pair", sm.state.Pair))
		} else {
			sm.logger.Warn("Received StateResetEvent with unexpected data type.", zap.String("type", fmt.Sprintf("%T", event.Data)))
		}
	case GridUpdateEvent:
		if grid, ok := event.Data.(*models.GridState); ok {
			sm.state.Grid = (&models.LoopState{Grid: grid}).Clone().Grid
		} else {
			sm.logger.Warn("Received GridUpdateEvent with unexpected data type.", zap.String("type", fmt.Sprintf("%T", event.Data)))
		}
	case OrdersUpdateEvent:
		if orders, ok := event.Data.(map[string]models.CommittedOrder); ok {
			sm.state.Orders = make(map[string]models.CommittedOrder, len(orders))
			for k, v := range orders {
				sm.state.Orders[k] = v
			}
		} else {
			sm.logger.Warn("Received OrdersUpdateEvent with unexpected data type.", zap.String("type", fmt.Sprintf("%T", event.Data)))
		}
	case GuardUpdateEvent:
		if data, ok := event.Data.(GuardUpdateData); ok {
			sm.state.GuardState = data.State
			sm.state.GuardReason = data.Reason
		} else {
			sm.logger.Warn("Received GuardUpdateEvent with unexpected data type.", zap.String("type", fmt.Sprintf("%T", event.Data)))
		}
	}

	sm.state.LastUpdateTime = time.Now()
	snapshot := sm.state.Clone()
	sm.mu.Unlock()

	sm.schedulePersist(snapshot)
}

// schedulePersist replaces any snapshot still waiting to be written.
func (sm *StateManager) schedulePersist(snapshot *models.LoopState) {
	for {
		select {
		case sm.persistenceChan <- snapshot:
			return
		default:
			select {
			case <-sm.persistenceChan:
			default:
			}
		}
	}
}
