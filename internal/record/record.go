package record

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
)

// Durable records embed their bookkeeping inside the stored JSON value.
const (
	FieldRevision  = "_rev"
	FieldUpdatedAt = "_updatedAt"
)

const maxUpdateAttempts = 5

const (
	opCasSave      = "record.cas_save"
	opAtomicUpdate = "record.atomic_update"
)

var errCasConflict = errors.New("revision mismatch")

// CasResult reports the outcome of a compare-and-swap write. On rejection
// Stored holds the currently persisted payload so the caller can retry
// against fresh data.
type CasResult struct {
	Success  bool
	Stored   map[string]any
	Revision int64
}

// UpdateFunc transforms a clean copy of the stored payload. Returning nil
// signals "no change" and aborts the update without writing. The exists flag
// is false when no record is stored yet.
type UpdateFunc func(current map[string]any, exists bool) (map[string]any, error)

// Revision reads the bookkeeping revision from a payload, 0 when absent.
// JSON decoding produces float64 numbers, so both representations are
// accepted.
func Revision(payload map[string]any) int64 {
	switch value := payload[FieldRevision].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

// Strip returns a copy of the payload without bookkeeping fields.
func Strip(payload map[string]any) map[string]any {
	clean := make(map[string]any, len(payload))
	for key, value := range payload {
		if key == FieldRevision || key == FieldUpdatedAt {
			continue
		}
		clean[key] = value
	}
	return clean
}

// Decode parses a stored row value into a payload map. A nil row or
// unparseable value yields an empty map.
func Decode(row *kvstore.Row) map[string]any {
	if row == nil {
		return map[string]any{}
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(row.Value), &payload); err != nil || payload == nil {
		return map[string]any{}
	}
	return payload
}

// CasSave writes payload at revision expectedRev+1 if and only if the stored
// revision still equals expectedRev. The read happens under the store's row
// lock so concurrent attempts on the same key serialize. First creation
// (expectedRev 0, no stored row) uses a plain insert: of two racing creators
// exactly one wins, the loser observes a conflict.
func CasSave(ctx context.Context, store kvstore.Store, key string, payload map[string]any, expectedRev int64, clock func() time.Time) (CasResult, error) {
	if clock == nil {
		clock = time.Now
	}

	var result CasResult
	err := store.Update(ctx, func(tx kvstore.Tx) error {
		row, err := tx.GetForUpdate(key)
		if err != nil {
			return err
		}

		stored := Decode(row)
		storedRev := int64(0)
		if row != nil {
			storedRev = Revision(stored)
		}
		if storedRev != expectedRev {
			result = CasResult{Success: false, Stored: stored, Revision: storedRev}
			return errCasConflict
		}

		next := Strip(payload)
		next[FieldRevision] = storedRev + 1
		next[FieldUpdatedAt] = clock().UTC().Format(time.RFC3339Nano)
		encoded, err := json.Marshal(next)
		if err != nil {
			return newServiceError(opCasSave, "encode_failed", err)
		}

		if row == nil {
			if err := tx.Insert(key, string(encoded)); err != nil {
				if errors.Is(err, kvstore.ErrDuplicateKey) {
					result = CasResult{Success: false}
					return errCasConflict
				}
				return err
			}
		} else {
			if err := tx.Set(key, string(encoded)); err != nil {
				return err
			}
		}

		result = CasResult{Success: true, Stored: next, Revision: storedRev + 1}
		return nil
	})

	if errors.Is(err, errCasConflict) {
		return result, nil
	}
	if err != nil {
		return CasResult{}, err
	}
	return result, nil
}

// AtomicUpdate runs the load / transform / compare-and-swap loop shared by
// every durable-record store: read the current payload, hand a clean copy to
// apply, then CasSave against the observed revision. Conflicts reload fresh
// state and retry up to five times before failing with max_retries_exceeded.
// Retries are deliberately backoff-free; the retried section is sub-
// millisecond. Returns the payload as written (bookkeeping stripped).
func AtomicUpdate(ctx context.Context, store kvstore.Store, key string, apply UpdateFunc, clock func() time.Time) (map[string]any, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		row, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		stored := Decode(row)
		observedRev := int64(0)
		if row != nil {
			observedRev = Revision(stored)
		}

		next, err := apply(Strip(stored), row != nil)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return Strip(stored), nil
		}

		result, err := CasSave(ctx, store, key, next, observedRev, clock)
		if err != nil {
			return nil, err
		}
		if result.Success {
			return Strip(result.Stored), nil
		}
	}
	return nil, newServiceError(opAtomicUpdate, ReasonMaxRetries, nil)
}
