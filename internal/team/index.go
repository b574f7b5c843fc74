package team

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/record"
)

// The name index payload wraps the map in an explicit entries field so the
// record's bookkeeping keys can never collide with a team name.
const fieldIndexEntries = "entries"

const (
	opIndexUpdate = "team.index.atomic_update"
	opIndexLookup = "team.index.lookup"
)

// NormalizeName lowercases and trims a team name into its index key.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IndexUpdateFunc transforms the name index entries. Returning nil signals
// "no change" and aborts without writing.
type IndexUpdateFunc func(entries map[string]string) (map[string]string, error)

// AtomicIndexUpdate applies fn to the name index under the same bounded
// compare-and-swap loop as team records. The index record is created on
// first use.
func (s *Store) AtomicIndexUpdate(ctx context.Context, fn IndexUpdateFunc) error {
	_, err := record.AtomicUpdate(ctx, s.kv, kvstore.KeyTeamIndex, func(current map[string]any, _ bool) (map[string]any, error) {
		next, err := fn(indexEntries(current))
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		return map[string]any{fieldIndexEntries: entriesToAny(next)}, nil
	}, s.clock)
	if err != nil {
		s.logError(opIndexUpdate, record.ReasonOf(err), err)
	}
	return err
}

// LookupID resolves a team name (any casing) to its team ID, for login
// lookups. Unknown names fail with team_not_found.
func (s *Store) LookupID(ctx context.Context, name string) (string, error) {
	row, err := s.kv.Get(ctx, kvstore.KeyTeamIndex)
	if err != nil {
		s.logError(opIndexLookup, "read_failed", err)
		return "", record.NewServiceError(opIndexLookup, "read_failed", err)
	}
	entries := indexEntries(record.Strip(record.Decode(row)))
	teamID, ok := entries[NormalizeName(name)]
	if !ok {
		return "", record.NewServiceError(opIndexLookup, ReasonNotFound, nil)
	}
	return teamID, nil
}

// Entries returns a copy of the live name index.
func (s *Store) Entries(ctx context.Context) (map[string]string, error) {
	row, err := s.kv.Get(ctx, kvstore.KeyTeamIndex)
	if err != nil {
		s.logError(opIndexLookup, "read_failed", err)
		return nil, record.NewServiceError(opIndexLookup, "read_failed", err)
	}
	return indexEntries(record.Strip(record.Decode(row))), nil
}

func indexEntries(doc map[string]any) map[string]string {
	entries := make(map[string]string)
	raw, ok := doc[fieldIndexEntries].(map[string]any)
	if !ok {
		return entries
	}
	for key, value := range raw {
		if id, ok := value.(string); ok {
			entries[key] = id
		}
	}
	return entries
}

func entriesToAny(entries map[string]string) map[string]any {
	generic := make(map[string]any, len(entries))
	for key, value := range entries {
		generic[key] = value
	}
	return generic
}
