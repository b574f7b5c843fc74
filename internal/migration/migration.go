package migration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/record"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/team"
	"go.uber.org/zap"
)

const (
	opRun = "migration.run"

	migratedRevision = int64(1)
)

// Run splits the legacy single-blob dataset into per-team records, the name
// index and the metadata record. It executes once at startup and is
// idempotent: all new records are written before the legacy key is deleted,
// so a crash mid-way simply re-runs the same steps on the next boot. An
// existing name index marks the blob as superseded.
func Run(ctx context.Context, store kvstore.Store, clock func() time.Time, logger *zap.Logger) error {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	legacyRow, err := store.Get(ctx, kvstore.KeyLegacyData)
	if err != nil {
		return record.NewServiceError(opRun, "read_failed", err)
	}
	if legacyRow == nil {
		return nil
	}

	indexRow, err := store.Get(ctx, kvstore.KeyTeamIndex)
	if err != nil {
		return record.NewServiceError(opRun, "read_failed", err)
	}
	if indexRow != nil {
		// Already migrated; only the stale blob is left to clean up.
		if err := store.Delete(ctx, kvstore.KeyLegacyData); err != nil {
			return record.NewServiceError(opRun, "cleanup_failed", err)
		}
		logger.Info("stale legacy dataset removed")
		return nil
	}

	var blob map[string]any
	if err := json.Unmarshal([]byte(legacyRow.Value), &blob); err != nil || blob == nil {
		return record.NewServiceError(opRun, "legacy_parse_failed", err)
	}

	teams := teamList(blob["teams"])
	indexEntries := make(map[string]any, len(teams))
	migrated := 0
	for _, teamData := range teams {
		teamID, _ := teamData["id"].(string)
		if teamID == "" {
			logger.Warn("skipping legacy team without id")
			continue
		}
		if err := writeRecord(ctx, store, kvstore.TeamKey(teamID), teamData, clock); err != nil {
			return err
		}
		if name, _ := teamData["name"].(string); name != "" {
			indexEntries[team.NormalizeName(name)] = teamID
		}
		migrated++
	}

	metaDoc := map[string]any{
		"resetTokens":       anySlice(blob["resetTokens"]),
		"orphanedFeedbacks": anySlice(blob["orphanedFeedbacks"]),
	}
	if err := writeRecord(ctx, store, kvstore.KeyMeta, metaDoc, clock); err != nil {
		return err
	}

	// The index doubles as the superseded marker, so it must be the last
	// record written: a crash before this point leaves the marker absent and
	// the rerun repeats the full split.
	if err := writeRecord(ctx, store, kvstore.KeyTeamIndex, map[string]any{"entries": indexEntries}, clock); err != nil {
		return err
	}

	// Every replacement record exists; deleting the blob is the final,
	// commit-like step.
	if err := store.Delete(ctx, kvstore.KeyLegacyData); err != nil {
		return record.NewServiceError(opRun, "cleanup_failed", err)
	}

	logger.Info("legacy dataset migrated", zap.Int("team_count", migrated))
	return nil
}

func writeRecord(ctx context.Context, store kvstore.Store, key string, payload map[string]any, clock func() time.Time) error {
	next := record.Strip(payload)
	next[record.FieldRevision] = migratedRevision
	next[record.FieldUpdatedAt] = clock().UTC().Format(time.RFC3339Nano)
	encoded, err := json.Marshal(next)
	if err != nil {
		return record.NewServiceError(opRun, "encode_failed", err)
	}
	if err := store.Set(ctx, key, string(encoded)); err != nil {
		return record.NewServiceError(opRun, "write_failed", err)
	}
	return nil
}

func teamList(value any) []map[string]any {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	teams := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if teamData, ok := entry.(map[string]any); ok {
			teams = append(teams, teamData)
		}
	}
	return teams
}

func anySlice(value any) []any {
	if list, ok := value.([]any); ok {
		return list
	}
	return []any{}
}
