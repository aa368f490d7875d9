package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"lobster-mm-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const stateKeyPrefix = "loop_state/"

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging would interleave with the bot's structured logs.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store %s: %w", dbPath, err)
	}

	return &badgerRepository{db: db}, nil
}

func stateKey(pair string) []byte {
	return []byte(stateKeyPrefix + pair)
}

// SaveState marshals the state into JSON and stores it under the pair's key.
func (r *badgerRepository) SaveState(state *models.LoopState) error {
	if state == nil || state.Pair == "" {
		return errors.New("cannot save state without a pair")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(state.Pair), data)
	})
}

// LoadState returns (nil, nil) when the pair has no stored state.
func (r *badgerRepository) LoadState(pair string) (*models.LoopState, error) {
	var state models.LoopState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(pair))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &state, nil
}

// DeleteState removes the pair's key. Deleting a missing key is not an error.
func (r *badgerRepository) DeleteState(pair string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(pair))
	})
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
