package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "team:abc", `{"name":"Acme"}`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	row, err := store.Get(ctx, "team:abc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row == nil {
		t.Fatalf("expected row")
	}
	if row.Value != `{"name":"Acme"}` {
		t.Fatalf("unexpected value: %s", row.Value)
	}
	if row.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at to be set")
	}
}

func TestGetAbsentKeyReturnsNil(t *testing.T) {
	store := newTestStore(t)

	row, err := store.Get(context.Background(), "team:missing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row != nil {
		t.Fatalf("expected nil row, got %#v", row)
	}
}

func TestSetIsUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "retro-meta", `{"v":1}`); err != nil {
		t.Fatalf("first set failed: %v", err)
	}
	if err := store.Set(ctx, "retro-meta", `{"v":2}`); err != nil {
		t.Fatalf("second set failed: %v", err)
	}
	row, err := store.Get(ctx, "retro-meta")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row.Value != `{"v":2}` {
		t.Fatalf("expected overwrite, got %s", row.Value)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "team:gone", `{}`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Delete(ctx, "team:gone"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "team:gone"); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	row, err := store.Get(ctx, "team:gone")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row != nil {
		t.Fatalf("expected key to be gone")
	}
}

func TestScanPrefixFiltersAndSorts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := map[string]string{
		"team:b":      `{"name":"b"}`,
		"team:a":      `{"name":"a"}`,
		"team-index":  `{}`,
		"session:xyz": `{}`,
	}
	for key, value := range seed {
		if err := store.Set(ctx, key, value); err != nil {
			t.Fatalf("seed set failed: %v", err)
		}
	}

	rows, err := store.ScanPrefix(ctx, "team:")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Key != "team:a" || rows[1].Key != "team:b" {
		t.Fatalf("unexpected order: %s, %s", rows[0].Key, rows[1].Key)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	failure := errors.New("abort")

	err := store.Update(ctx, func(tx Tx) error {
		if err := tx.Set("team:rollback", `{"v":1}`); err != nil {
			t.Fatalf("tx set failed: %v", err)
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected abort error, got %v", err)
	}

	row, err := store.Get(ctx, "team:rollback")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row != nil {
		t.Fatalf("expected rollback, found %s", row.Value)
	}
}

func TestInsertDetectsDuplicateKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Update(ctx, func(tx Tx) error {
		return tx.Insert("team:dup", `{"v":1}`)
	}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	err := store.Update(ctx, func(tx Tx) error {
		return tx.Insert("team:dup", `{"v":2}`)
	})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestGetForUpdateAbsentReturnsNil(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(context.Background(), func(tx Tx) error {
		row, err := tx.GetForUpdate("team:absent")
		if err != nil {
			return err
		}
		if row != nil {
			t.Fatalf("expected nil row")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
}
