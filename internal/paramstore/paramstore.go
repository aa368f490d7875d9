package paramstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Repository is the persistence the parameter store needs. *storage.Store satisfies it.
type Repository interface {
	FindParameterSet(ctx context.Context, pair, hash string) (*models.ParameterSet, error)
	InsertParameterSet(ctx context.Context, set *models.ParameterSet) (int64, error)
	GetParameterSet(ctx context.Context, id int64) (*models.ParameterSet, error)
	LatestParameterChange(ctx context.Context, pair string) (*models.ParameterChange, error)
	InsertParameterChange(ctx context.Context, ch *models.ParameterChange) (int64, error)
	ListParameterChanges(ctx context.Context, pair string, limit int) ([]models.ParameterChange, error)
}

// Store versions parameter sets per pair and records every activation change.
type Store struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// New creates a parameter store over repo.
func New(repo Repository, logger *zap.Logger) *Store {
	return &Store{repo: repo, logger: logger, now: time.Now}
}

// Load registers params and makes them the pair's active set.
// The returned bool reports whether a ParameterChange was recorded; loading the
// active configuration again is a hash lookup and nothing else.
func (s *Store) Load(ctx context.Context, params models.Params, description string, reason models.ChangeReason, notes string) (*models.ParameterSet, bool, error) {
	if !reason.Valid() {
		return nil, false, fmt.Errorf("invalid change reason %q", reason)
	}
	params = Normalize(params)
	if params.Pair == "" {
		return nil, false, &models.ConfigError{Field: "pair", Reason: "parameter set needs a pair"}
	}

	hash, err := ConfigHash(params)
	if err != nil {
		return nil, false, err
	}

	set, err := s.repo.FindParameterSet(ctx, params.Pair, hash)
	if err != nil {
		return nil, false, err
	}
	if set == nil {
		set = &models.ParameterSet{
			Pair:        params.Pair,
			ConfigHash:  hash,
			Strategy:    params.Strategy,
			Params:      params,
			Description: description,
			CreatedAt:   s.now(),
		}
		if _, err := s.repo.InsertParameterSet(ctx, set); err != nil {
			return nil, false, err
		}
		s.logger.Info("Created new parameter set.", zap.String("pair", set.Pair), zap.Int64("id", set.ID), zap.String("hash", hash[:12]))
	} else {
		s.logger.Info("Using existing parameter set.", zap.String("pair", set.Pair), zap.Int64("id", set.ID))
	}

	latest, err := s.repo.LatestParameterChange(ctx, params.Pair)
	if err != nil {
		return nil, false, err
	}
	if latest != nil && latest.NewSetID == set.ID {
		return set, false, nil
	}

	change := &models.ParameterChange{
		Pair:      params.Pair,
		NewSetID:  set.ID,
		Reason:    reason,
		Notes:     notes,
		Timestamp: s.now(),
	}
	var old *models.Params
	if latest != nil {
		oldID := latest.NewSetID
		change.OldSetID = &oldID
		prev, err := s.repo.GetParameterSet(ctx, oldID)
		if err != nil {
			return nil, false, err
		}
		if prev != nil {
			old = &prev.Params
		}
	}
	change.ChangeType, change.Summary = Diff(old, &set.Params)

	if _, err := s.repo.InsertParameterChange(ctx, change); err != nil {
		return nil, false, err
	}
	s.logger.Info("Logged parameter change.",
		zap.String("pair", params.Pair),
		zap.String("type", change.ChangeType),
		zap.String("summary", change.Summary),
	)
	return set, true, nil
}

// ActiveParameterSet returns the set most recently activated for the pair, or nil.
func (s *Store) ActiveParameterSet(ctx context.Context, pair string) (*models.ParameterSet, error) {
	latest, err := s.repo.LatestParameterChange(ctx, strings.ToUpper(pair))
	if err != nil || latest == nil {
		return nil, err
	}
	return s.repo.GetParameterSet(ctx, latest.NewSetID)
}

// History lists the pair's changes, newest first.
func (s *Store) History(ctx context.Context, pair string, limit int) ([]models.ParameterChange, error) {
	return s.repo.ListParameterChanges(ctx, strings.ToUpper(pair), limit)
}

// Normalize canonicalises the fields that do not change trading behaviour.
func Normalize(p models.Params) models.Params {
	p.Pair = strings.ToUpper(strings.TrimSpace(p.Pair))
	p.Strategy = models.StrategyKind(strings.ToLower(string(p.Strategy)))
	p.Grid.Bias = models.GridBias(strings.ToLower(string(p.Grid.Bias)))
	p.Oracle.Symbol = strings.ToUpper(p.Oracle.Symbol)
	return p
}

// ConfigHash is the sha256 of the params serialised as JSON with sorted keys.
func ConfigHash(p models.Params) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %w", err)
	}
	// Round-trip through a map: encoding/json writes map keys sorted.
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to normalise params: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
