package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/meta"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/record"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/team"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshot kinds. Only auto and startup snapshots are subject to retention.
const (
	TypeStartup = "startup"
	TypeAuto    = "auto"
	TypeManual  = "manual"
)

// Stable failure reasons surfaced to the API boundary.
const (
	ReasonInvalidFormat = "invalid_backup_format"
	ReasonNotFound      = "backup_not_found"
)

const (
	fieldBackups        = "backups"
	filenamePattern     = "retroboard-backup-%s.json.gz"
	filenameTimeLayout  = "2006-01-02T15-04-05.000Z"
	startupDedupWindow  = 5 * time.Minute
	restoredRevision    = int64(1)
	opServiceNew        = "backup.service.new"
	opCreate            = "backup.create"
	opRestore           = "backup.restore"
	opRetention         = "backup.enforce_retention"
	opCatalog           = "backup.catalog"
	opDelete            = "backup.delete"
	opUpdate            = "backup.update"
	opStartup           = "backup.create_startup"
	defaultDirPermBits  = 0o755
	defaultFilePermBits = 0o644
)

var (
	errMissingStore = errors.New("kv store is required")
	errMissingTeams = errors.New("team store is required")
	errMissingMeta  = errors.New("metadata store is required")
	noOpLogger      = zap.NewNop()
)

// Entry is a backup catalog record. The catalog lives in the
// global-settings row; the compressed archive lives on disk next to it.
type Entry struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Type      string    `json:"type"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int64     `json:"size"`
	TeamCount int       `json:"teamCount"`
	Protected bool      `json:"protected"`
}

// UpdatePatch describes the mutable catalog fields.
type UpdatePatch struct {
	Label     *string
	Protected *bool
}

type archiveDocument struct {
	Teams             []map[string]any  `json:"teams"`
	Meta              map[string]any    `json:"meta"`
	ResetTokens       []meta.ResetToken `json:"resetTokens"`
	OrphanedFeedbacks []any             `json:"orphanedFeedbacks"`
}

// ServiceConfig wires the backup service's dependencies.
type ServiceConfig struct {
	Store   kvstore.Store
	Teams   *team.Store
	Meta    *meta.Store
	Dir     string
	MaxAuto int
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Service snapshots the full durable dataset into compressed archives and
// restores from them, entirely through the team and metadata read paths.
type Service struct {
	kv      kvstore.Store
	teams   *team.Store
	meta    *meta.Store
	dir     string
	maxAuto int
	clock   func() time.Time
	logger  *zap.Logger
	running int32
}

// NewService validates dependencies and returns the backup service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, record.NewServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Teams == nil {
		return nil, record.NewServiceError(opServiceNew, "missing_teams", errMissingTeams)
	}
	if cfg.Meta == nil {
		return nil, record.NewServiceError(opServiceNew, "missing_meta", errMissingMeta)
	}
	if cfg.Dir == "" {
		return nil, record.NewServiceError(opServiceNew, "missing_dir", nil)
	}
	maxAuto := cfg.MaxAuto
	if maxAuto <= 0 {
		maxAuto = 10
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		kv:      cfg.Store,
		teams:   cfg.Teams,
		meta:    cfg.Meta,
		dir:     cfg.Dir,
		maxAuto: maxAuto,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Create serializes all teams plus metadata, gzips the document to disk and
// appends a catalog entry. Returns nil without error when a snapshot is
// already in progress; two snapshot operations never run concurrently.
func (s *Service) Create(ctx context.Context, kind, label string) (*Entry, error) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return nil, nil
	}
	defer atomic.StoreInt32(&s.running, 0)

	teams, err := s.teams.LoadAll(ctx)
	if err != nil {
		return nil, record.NewServiceError(opCreate, "team_read_failed", err)
	}
	metaSnapshot, err := s.meta.Load(ctx)
	if err != nil {
		return nil, record.NewServiceError(opCreate, "meta_read_failed", err)
	}

	document := archiveDocument{
		Teams: teams,
		Meta: map[string]any{
			"resetTokens":       metaSnapshot.ResetTokens,
			"orphanedFeedbacks": metaSnapshot.OrphanedFeedbacks,
		},
		ResetTokens:       metaSnapshot.ResetTokens,
		OrphanedFeedbacks: metaSnapshot.OrphanedFeedbacks,
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		return nil, record.NewServiceError(opCreate, "encode_failed", err)
	}

	createdAt := s.clock().UTC()
	filename := fmt.Sprintf(filenamePattern, createdAt.Format(filenameTimeLayout))
	size, err := s.writeArchive(filename, encoded)
	if err != nil {
		s.logError(opCreate, "archive_write_failed", err, zap.String("filename", filename))
		return nil, record.NewServiceError(opCreate, "archive_write_failed", err)
	}

	entry := Entry{
		ID:        uuid.NewString(),
		Filename:  filename,
		Type:      kind,
		Label:     label,
		CreatedAt: createdAt,
		Size:      size,
		TeamCount: len(teams),
	}
	if err := s.updateCatalog(ctx, func(entries []Entry) ([]Entry, error) {
		return append(entries, entry), nil
	}); err != nil {
		return nil, err
	}

	s.logger.Info("backup created",
		zap.String("backup_id", entry.ID),
		zap.String("type", kind),
		zap.Int("team_count", entry.TeamCount),
		zap.Int64("size", entry.Size))
	return &entry, nil
}

// CreateStartupBackup snapshots at boot unless a startup snapshot already
// exists inside the deduplication window, which keeps a crash-looping
// process from spamming the catalog.
func (s *Service) CreateStartupBackup(ctx context.Context) (*Entry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.clock().UTC().Add(-startupDedupWindow)
	for _, entry := range entries {
		if entry.Type == TypeStartup && entry.CreatedAt.After(cutoff) {
			s.logger.Info("startup backup skipped, recent snapshot exists",
				zap.String("backup_id", entry.ID))
			return nil, nil
		}
	}
	entry, err := s.Create(ctx, TypeStartup, "")
	if err != nil || entry == nil {
		return entry, err
	}
	if err := s.EnforceRetention(ctx); err != nil {
		s.logError(opStartup, "retention_failed", err)
	}
	return entry, nil
}

// EnforceRetention deletes the oldest unprotected auto/startup snapshots
// beyond the configured maximum. Manual and protected snapshots are never
// pruned.
func (s *Service) EnforceRetention(ctx context.Context) error {
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	candidates := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Protected {
			continue
		}
		if entry.Type != TypeAuto && entry.Type != TypeStartup {
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) <= s.maxAuto {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	for _, stale := range candidates[:len(candidates)-s.maxAuto] {
		if err := s.Delete(ctx, stale.ID); err != nil {
			s.logError(opRetention, "prune_failed", err, zap.String("backup_id", stale.ID))
			return err
		}
		s.logger.Info("backup pruned", zap.String("backup_id", stale.ID))
	}
	return nil
}

// Restore decompresses and parses the archive, validating it fully before
// any store mutation, then overwrites the durable dataset: every team
// record rewritten at revision one, the name index rebuilt from scratch,
// metadata replaced.
func (s *Service) Restore(ctx context.Context, backupID string) error {
	entry, err := s.find(ctx, backupID)
	if err != nil {
		return err
	}

	document, err := s.readArchive(entry.Filename)
	if err != nil {
		return err
	}

	teams := make([]map[string]any, 0, len(document.Teams))
	indexEntries := make(map[string]any)
	for _, teamData := range document.Teams {
		teamID, _ := teamData["id"].(string)
		if teamID == "" {
			continue
		}
		teams = append(teams, teamData)
		if name, _ := teamData["name"].(string); name != "" {
			indexEntries[team.NormalizeName(name)] = teamID
		}
	}

	// Validation is done; everything below mutates the store.
	existing, err := s.kv.ScanPrefix(ctx, kvstore.KeyTeamPrefix)
	if err != nil {
		return record.NewServiceError(opRestore, "scan_failed", err)
	}
	for _, row := range existing {
		if err := s.kv.Delete(ctx, row.Key); err != nil {
			return record.NewServiceError(opRestore, "delete_failed", err)
		}
	}

	for _, teamData := range teams {
		teamID := teamData["id"].(string)
		if err := s.writeRecord(ctx, kvstore.TeamKey(teamID), teamData); err != nil {
			return err
		}
	}
	if err := s.writeRecord(ctx, kvstore.KeyTeamIndex, map[string]any{"entries": indexEntries}); err != nil {
		return err
	}
	metaDoc := map[string]any{
		"resetTokens":       tokensToAny(document.ResetTokens),
		"orphanedFeedbacks": document.OrphanedFeedbacks,
	}
	if err := s.writeRecord(ctx, kvstore.KeyMeta, metaDoc); err != nil {
		return err
	}

	s.logger.Info("backup restored",
		zap.String("backup_id", backupID),
		zap.Int("team_count", len(teams)))
	return nil
}

// List returns catalog entries, newest first.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	row, err := s.kv.Get(ctx, kvstore.KeyGlobalSettings)
	if err != nil {
		return nil, record.NewServiceError(opCatalog, "read_failed", err)
	}
	entries := decodeEntries(record.Strip(record.Decode(row))[fieldBackups])
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Delete removes the archive file and its catalog entry.
func (s *Service) Delete(ctx context.Context, backupID string) error {
	entry, err := s.find(ctx, backupID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, entry.Filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logError(opDelete, "file_remove_failed", err, zap.String("backup_id", backupID))
		return record.NewServiceError(opDelete, "file_remove_failed", err)
	}
	return s.updateCatalog(ctx, func(entries []Entry) ([]Entry, error) {
		kept := entries[:0]
		for _, candidate := range entries {
			if candidate.ID != backupID {
				kept = append(kept, candidate)
			}
		}
		return kept, nil
	})
}

// Update patches the mutable catalog fields of an entry, e.g. toggling
// retention protection.
func (s *Service) Update(ctx context.Context, backupID string, patch UpdatePatch) (*Entry, error) {
	var updated *Entry
	err := s.updateCatalog(ctx, func(entries []Entry) ([]Entry, error) {
		for position := range entries {
			if entries[position].ID != backupID {
				continue
			}
			if patch.Label != nil {
				entries[position].Label = *patch.Label
			}
			if patch.Protected != nil {
				entries[position].Protected = *patch.Protected
			}
			entryCopy := entries[position]
			updated = &entryCopy
			return entries, nil
		}
		return nil, record.NewServiceError(opUpdate, ReasonNotFound, nil)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) find(ctx context.Context, backupID string) (*Entry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.ID == backupID {
			entryCopy := entry
			return &entryCopy, nil
		}
	}
	return nil, record.NewServiceError(opCatalog, ReasonNotFound, nil)
}

func (s *Service) writeArchive(filename string, payload []byte) (int64, error) {
	if err := os.MkdirAll(s.dir, defaultDirPermBits); err != nil {
		return 0, err
	}
	path := filepath.Join(s.dir, filename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFilePermBits)
	if err != nil {
		return 0, err
	}
	compressor := gzip.NewWriter(file)
	if _, err := compressor.Write(payload); err != nil {
		compressor.Close()
		file.Close()
		return 0, err
	}
	if err := compressor.Close(); err != nil {
		file.Close()
		return 0, err
	}
	if err := file.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// readArchive rejects malformed archives before any store mutation: the
// bytes must gunzip, parse as a JSON object, and a missing or malformed
// teams field is coerced to an empty list.
func (s *Service) readArchive(filename string) (archiveDocument, error) {
	file, err := os.Open(filepath.Join(s.dir, filename))
	if err != nil {
		return archiveDocument{}, record.NewServiceError(opRestore, "archive_read_failed", err)
	}
	defer file.Close()

	decompressor, err := gzip.NewReader(file)
	if err != nil {
		return archiveDocument{}, record.NewServiceError(opRestore, ReasonInvalidFormat, err)
	}
	defer decompressor.Close()

	raw, err := io.ReadAll(decompressor)
	if err != nil {
		return archiveDocument{}, record.NewServiceError(opRestore, ReasonInvalidFormat, err)
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil || generic == nil {
		return archiveDocument{}, record.NewServiceError(opRestore, ReasonInvalidFormat, err)
	}

	document := archiveDocument{
		Teams:             []map[string]any{},
		OrphanedFeedbacks: []any{},
	}
	if rawTeams, ok := generic["teams"].([]any); ok {
		for _, rawTeam := range rawTeams {
			if teamData, ok := rawTeam.(map[string]any); ok {
				document.Teams = append(document.Teams, teamData)
			}
		}
	}
	if metaData, ok := generic["meta"].(map[string]any); ok {
		document.Meta = metaData
	}
	if orphans, ok := generic["orphanedFeedbacks"].([]any); ok {
		document.OrphanedFeedbacks = orphans
	}
	if rawTokens, ok := generic["resetTokens"].([]any); ok {
		encoded, err := json.Marshal(rawTokens)
		if err == nil {
			_ = json.Unmarshal(encoded, &document.ResetTokens)
		}
	}
	return document, nil
}

func (s *Service) writeRecord(ctx context.Context, key string, payload map[string]any) error {
	next := record.Strip(payload)
	next[record.FieldRevision] = restoredRevision
	next[record.FieldUpdatedAt] = s.clock().UTC().Format(time.RFC3339Nano)
	encoded, err := json.Marshal(next)
	if err != nil {
		return record.NewServiceError(opRestore, "encode_failed", err)
	}
	if err := s.kv.Set(ctx, key, string(encoded)); err != nil {
		return record.NewServiceError(opRestore, "write_failed", err)
	}
	return nil
}

func (s *Service) updateCatalog(ctx context.Context, fn func([]Entry) ([]Entry, error)) error {
	_, err := record.AtomicUpdate(ctx, s.kv, kvstore.KeyGlobalSettings, func(current map[string]any, _ bool) (map[string]any, error) {
		next, err := fn(decodeEntries(current[fieldBackups]))
		if err != nil {
			return nil, err
		}
		current[fieldBackups] = encodeEntries(next)
		return current, nil
	}, s.clock)
	if err != nil {
		s.logError(opCatalog, record.ReasonOf(err), err)
	}
	return err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("backup service error", attrs...)
}

func decodeEntries(value any) []Entry {
	list, ok := value.([]any)
	if !ok {
		return []Entry{}
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return []Entry{}
	}
	var entries []Entry
	if err := json.Unmarshal(encoded, &entries); err != nil {
		return []Entry{}
	}
	return entries
}

func encodeEntries(entries []Entry) []any {
	encoded, err := json.Marshal(entries)
	if err != nil {
		return []any{}
	}
	var generic []any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return []any{}
	}
	return generic
}

func tokensToAny(tokens []meta.ResetToken) []any {
	encoded, err := json.Marshal(tokens)
	if err != nil {
		return []any{}
	}
	var generic []any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return []any{}
	}
	return generic
}
