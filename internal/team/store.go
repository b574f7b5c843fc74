package team

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/meta"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/record"
	"go.uber.org/zap"
)

// Stable failure reasons surfaced to the API boundary.
const (
	ReasonNotFound  = "team_not_found"
	ReasonNameTaken = "name_taken"
	ReasonExists    = "team_exists"
)

const (
	fieldName      = "name"
	fieldFeedbacks = "teamFeedbacks"

	opStoreNew     = "team.store.new"
	opLoad         = "team.load"
	opCreate       = "team.create"
	opAtomicUpdate = "team.atomic_update"
	opRename       = "team.rename"
	opDelete       = "team.delete"
	opLoadAll      = "team.load_all"
)

var (
	errMissingStore = errors.New("kv store is required")
	errMissingMeta  = errors.New("metadata store is required")
	noOpLogger      = zap.NewNop()
)

// StoreConfig wires the team store's dependencies.
type StoreConfig struct {
	Store  kvstore.Store
	Meta   *meta.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store manages durable per-team records and the name index. Every mutation
// of an existing record goes through the compare-and-swap loop; the record
// payload itself is opaque apart from the name and feedback fields.
type Store struct {
	kv     kvstore.Store
	meta   *meta.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates dependencies and returns the team store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Store == nil {
		return nil, record.NewServiceError(opStoreNew, "missing_store", errMissingStore)
	}
	if cfg.Meta == nil {
		return nil, record.NewServiceError(opStoreNew, "missing_meta", errMissingMeta)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{kv: cfg.Store, meta: cfg.Meta, clock: clock, logger: logger}, nil
}

// Load returns the team payload with bookkeeping stripped, plus the stored
// revision for callers that follow up with a conditional write.
func (s *Store) Load(ctx context.Context, teamID string) (map[string]any, int64, error) {
	row, err := s.kv.Get(ctx, kvstore.TeamKey(teamID))
	if err != nil {
		s.logError(opLoad, "read_failed", err, zap.String("team_id", teamID))
		return nil, 0, record.NewServiceError(opLoad, "read_failed", err)
	}
	if row == nil {
		return nil, 0, record.NewServiceError(opLoad, ReasonNotFound, nil)
	}
	payload := record.Decode(row)
	return record.Strip(payload), record.Revision(payload), nil
}

// Create reserves the team's lowercased name in the index, then writes the
// record with an initial compare-and-swap at revision zero. The reservation
// happens first and fails closed, so two concurrent creators of the same
// name cannot both proceed.
func (s *Store) Create(ctx context.Context, teamID string, data map[string]any) (map[string]any, error) {
	nameKey := NormalizeName(stringField(data, fieldName))
	if teamID == "" {
		return nil, record.NewServiceError(opCreate, "missing_team_id", nil)
	}
	if nameKey == "" {
		return nil, record.NewServiceError(opCreate, "missing_name", nil)
	}

	reserved, err := s.reserveName(ctx, nameKey, teamID)
	if err != nil {
		return nil, err
	}

	result, err := record.CasSave(ctx, s.kv, kvstore.TeamKey(teamID), data, 0, s.clock)
	if err != nil {
		s.logError(opCreate, "save_failed", err, zap.String("team_id", teamID))
		return nil, record.NewServiceError(opCreate, "save_failed", err)
	}
	if !result.Success {
		// Roll back only a reservation this call made; an entry the team
		// already owned stays live.
		if reserved {
			s.releaseName(ctx, nameKey, teamID)
		}
		return nil, record.NewServiceError(opCreate, ReasonExists, nil)
	}
	return record.Strip(result.Stored), nil
}

// UpdateFunc transforms a clean copy of a team payload. Returning nil
// signals "no change" and aborts without writing.
type UpdateFunc func(current map[string]any) (map[string]any, error)

// AtomicUpdate applies fn under the bounded-retry compare-and-swap loop.
// The team must already exist; retry exhaustion surfaces as
// max_retries_exceeded and is never silently swallowed.
func (s *Store) AtomicUpdate(ctx context.Context, teamID string, fn UpdateFunc) (map[string]any, error) {
	updated, err := record.AtomicUpdate(ctx, s.kv, kvstore.TeamKey(teamID), func(current map[string]any, exists bool) (map[string]any, error) {
		if !exists {
			return nil, record.NewServiceError(opAtomicUpdate, ReasonNotFound, nil)
		}
		return fn(current)
	}, s.clock)
	if err != nil {
		s.logError(opAtomicUpdate, record.ReasonOf(err), err, zap.String("team_id", teamID))
		return nil, err
	}
	return updated, nil
}

// Rename swaps the team's index key and record name. The new key is
// reserved first and the whole operation fails if it is already taken by a
// different team, leaving the original name live.
func (s *Store) Rename(ctx context.Context, teamID, newName string) (map[string]any, error) {
	current, _, err := s.Load(ctx, teamID)
	if err != nil {
		return nil, err
	}
	oldKey := NormalizeName(stringField(current, fieldName))
	newKey := NormalizeName(newName)
	if newKey == "" {
		return nil, record.NewServiceError(opRename, "missing_name", nil)
	}

	reservedNew := false
	if newKey != oldKey {
		if err := s.AtomicIndexUpdate(ctx, func(entries map[string]string) (map[string]string, error) {
			if owner, taken := entries[newKey]; taken && owner != teamID {
				return nil, record.NewServiceError(opRename, ReasonNameTaken, nil)
			}
			if _, taken := entries[newKey]; !taken {
				reservedNew = true
			}
			entries[newKey] = teamID
			return entries, nil
		}); err != nil {
			return nil, err
		}
	}

	updated, err := s.AtomicUpdate(ctx, teamID, func(data map[string]any) (map[string]any, error) {
		data[fieldName] = newName
		return data, nil
	})
	if err != nil {
		if reservedNew {
			s.releaseName(ctx, newKey, teamID)
		}
		return nil, err
	}

	if newKey != oldKey && oldKey != "" {
		if err := s.AtomicIndexUpdate(ctx, func(entries map[string]string) (map[string]string, error) {
			if entries[oldKey] != teamID {
				return nil, nil
			}
			delete(entries, oldKey)
			return entries, nil
		}); err != nil {
			s.logError(opRename, "old_key_cleanup_failed", err, zap.String("team_id", teamID))
			return nil, err
		}
	}

	return updated, nil
}

// Delete removes the team record and its index entry. Feedback still on the
// record is copied into the shared orphan list before the destructive step,
// so a crash between the two duplicates feedback rather than losing it.
func (s *Store) Delete(ctx context.Context, teamID string) error {
	data, _, err := s.Load(ctx, teamID)
	if err != nil {
		return err
	}

	if feedbacks, ok := data[fieldFeedbacks].([]any); ok && len(feedbacks) > 0 {
		if err := s.meta.AppendOrphanedFeedback(ctx, feedbacks); err != nil {
			return record.NewServiceError(opDelete, "orphan_relocation_failed", err)
		}
	}

	if err := s.kv.Delete(ctx, kvstore.TeamKey(teamID)); err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("team_id", teamID))
		return record.NewServiceError(opDelete, "delete_failed", err)
	}

	return s.AtomicIndexUpdate(ctx, func(entries map[string]string) (map[string]string, error) {
		changed := false
		for key, owner := range entries {
			if owner == teamID {
				delete(entries, key)
				changed = true
			}
		}
		if !changed {
			return nil, nil
		}
		return entries, nil
	})
}

// LoadAll returns every team payload with bookkeeping stripped.
func (s *Store) LoadAll(ctx context.Context) ([]map[string]any, error) {
	rows, err := s.kv.ScanPrefix(ctx, kvstore.KeyTeamPrefix)
	if err != nil {
		s.logError(opLoadAll, "scan_failed", err)
		return nil, record.NewServiceError(opLoadAll, "scan_failed", err)
	}
	teams := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		teams = append(teams, record.Strip(record.Decode(&row)))
	}
	return teams, nil
}

func (s *Store) reserveName(ctx context.Context, nameKey, teamID string) (bool, error) {
	reserved := false
	err := s.AtomicIndexUpdate(ctx, func(entries map[string]string) (map[string]string, error) {
		reserved = false
		if owner, taken := entries[nameKey]; taken {
			if owner != teamID {
				return nil, record.NewServiceError(opCreate, ReasonNameTaken, nil)
			}
			return nil, nil
		}
		reserved = true
		entries[nameKey] = teamID
		return entries, nil
	})
	return reserved, err
}

func (s *Store) releaseName(ctx context.Context, nameKey, teamID string) {
	err := s.AtomicIndexUpdate(ctx, func(entries map[string]string) (map[string]string, error) {
		if entries[nameKey] != teamID {
			return nil, nil
		}
		delete(entries, nameKey)
		return entries, nil
	})
	if err != nil {
		s.logError(opCreate, "reservation_rollback_failed", err, zap.String("name", nameKey))
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("team store error", attrs...)
}

func stringField(data map[string]any, key string) string {
	value, _ := data[key].(string)
	return value
}
