package persistence

import "lobster-mm-bot-go/internal/models"

// StateRepository defines the interface for loop state persistence.
// Each pair's state is stored independently so several bots can share one directory layout.
type StateRepository interface {
	// SaveState atomically replaces the stored state of state.Pair.
	SaveState(state *models.LoopState) error

	// LoadState loads the state of a pair.
	// If no state is found, it should return (nil, nil).
	LoadState(pair string) (*models.LoopState, error)

	// DeleteState forgets the stored state of a pair.
	DeleteState(pair string) error

	// Close gracefully closes the connection to the database.
	Close() error
}
