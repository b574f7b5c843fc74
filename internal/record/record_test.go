package record

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
)

func newTestStore(t *testing.T) kvstore.Store {
	t.Helper()
	store, err := kvstore.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	return store
}

func TestCasSaveCreatesAtRevisionOne(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := CasSave(ctx, store, "team:t1", map[string]any{"name": "Acme"}, 0, time.Now)
	if err != nil {
		t.Fatalf("cas save failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}
	if result.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", result.Revision)
	}

	row, err := store.Get(ctx, "team:t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	stored := Decode(row)
	if Revision(stored) != 1 {
		t.Fatalf("expected stored revision 1, got %d", Revision(stored))
	}
	if stored["name"] != "Acme" {
		t.Fatalf("unexpected payload: %#v", stored)
	}
	if stored[FieldUpdatedAt] == nil {
		t.Fatalf("expected updatedAt bookkeeping")
	}
}

func TestCasSaveRejectsStaleRevision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := CasSave(ctx, store, "team:t1", map[string]any{"name": "Acme"}, 0, time.Now); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}

	result, err := CasSave(ctx, store, "team:t1", map[string]any{"name": "Stale"}, 0, time.Now)
	if err != nil {
		t.Fatalf("cas save errored: %v", err)
	}
	if result.Success {
		t.Fatalf("expected rejection")
	}
	if result.Revision != 1 {
		t.Fatalf("expected current revision 1 in rejection, got %d", result.Revision)
	}
	if result.Stored["name"] != "Acme" {
		t.Fatalf("expected current stored value in rejection, got %#v", result.Stored)
	}

	row, err := store.Get(ctx, "team:t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if Decode(row)["name"] != "Acme" {
		t.Fatalf("rejected write must not mutate the record")
	}
}

func TestCasSaveIncrementsByExactlyOne(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for expected := int64(0); expected < 3; expected++ {
		result, err := CasSave(ctx, store, "team:t1", map[string]any{"n": expected}, expected, time.Now)
		if err != nil {
			t.Fatalf("cas save failed at %d: %v", expected, err)
		}
		if !result.Success || result.Revision != expected+1 {
			t.Fatalf("expected revision %d, got success=%v revision=%d", expected+1, result.Success, result.Revision)
		}
	}
}

func TestStripRemovesBookkeeping(t *testing.T) {
	payload := map[string]any{
		"name":         "Acme",
		FieldRevision:  float64(4),
		FieldUpdatedAt: "2026-01-01T00:00:00Z",
	}
	clean := Strip(payload)
	if len(clean) != 1 || clean["name"] != "Acme" {
		t.Fatalf("unexpected clean payload: %#v", clean)
	}
	if Revision(payload) != 4 {
		t.Fatalf("strip must not mutate the source revision")
	}
}

func TestAtomicUpdateAbortsOnNilResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := CasSave(ctx, store, "team:t1", map[string]any{"name": "Acme"}, 0, time.Now); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}

	result, err := AtomicUpdate(ctx, store, "team:t1", func(current map[string]any, exists bool) (map[string]any, error) {
		if !exists {
			t.Fatalf("expected record to exist")
		}
		return nil, nil
	}, time.Now)
	if err != nil {
		t.Fatalf("atomic update failed: %v", err)
	}
	if result["name"] != "Acme" {
		t.Fatalf("expected current payload on no-change, got %#v", result)
	}

	row, err := store.Get(ctx, "team:t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if Revision(Decode(row)) != 1 {
		t.Fatalf("no-change must not advance the revision")
	}
}

func TestAtomicUpdateCreatesWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := AtomicUpdate(ctx, store, "retro-meta", func(current map[string]any, exists bool) (map[string]any, error) {
		if exists {
			t.Fatalf("expected absent record")
		}
		current["resetTokens"] = []any{}
		return current, nil
	}, time.Now)
	if err != nil {
		t.Fatalf("atomic update failed: %v", err)
	}

	row, err := store.Get(ctx, "retro-meta")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if Revision(Decode(row)) != 1 {
		t.Fatalf("expected first write at revision 1")
	}
}

func TestAtomicUpdateExhaustsRetriesAgainstCompetingWriter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := CasSave(ctx, store, "team:t1", map[string]any{"name": "Acme"}, 0, time.Now); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}

	attempts := 0
	_, err := AtomicUpdate(ctx, store, "team:t1", func(current map[string]any, exists bool) (map[string]any, error) {
		attempts++
		// A competing writer bumps the revision between our read and our
		// compare-and-set, on every single attempt.
		row, err := store.Get(ctx, "team:t1")
		if err != nil {
			return nil, err
		}
		competing := Strip(Decode(row))
		competing["competitor"] = attempts
		result, err := CasSave(ctx, store, "team:t1", competing, Revision(Decode(row)), time.Now)
		if err != nil || !result.Success {
			t.Fatalf("competing write failed: success=%v err=%v", result.Success, err)
		}
		current["loser"] = true
		return current, nil
	}, time.Now)

	if !IsMaxRetries(err) {
		t.Fatalf("expected max_retries_exceeded, got %v", err)
	}
	if attempts != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", attempts)
	}

	row, err := store.Get(ctx, "team:t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	stored := Decode(row)
	if stored["loser"] != nil {
		t.Fatalf("exhausted update must not corrupt the stored record: %#v", stored)
	}
	if Revision(stored) != 6 {
		t.Fatalf("expected 1 seed + 5 competing writes, revision 6, got %d", Revision(stored))
	}
}

func TestConcurrentAtomicUpdatesAccountForEverySuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := CasSave(ctx, store, "team:t1", map[string]any{"count": float64(0)}, 0, time.Now); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}

	const writers = 6
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = AtomicUpdate(ctx, store, "team:t1", func(current map[string]any, exists bool) (map[string]any, error) {
				count, _ := current["count"].(float64)
				current["count"] = count + 1
				return current, nil
			}, time.Now)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if !IsMaxRetries(err) {
			t.Fatalf("unexpected failure mode: %v", err)
		}
	}

	row, err := store.Get(ctx, "team:t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	stored := Decode(row)
	if got := Revision(stored); got != int64(successes)+1 {
		t.Fatalf("final revision %d must equal seed + %d successes", got, successes)
	}
	if count, _ := stored["count"].(float64); int(count) != successes {
		t.Fatalf("counter %v must equal %d successes", count, successes)
	}
}
