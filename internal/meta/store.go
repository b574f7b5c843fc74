package meta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/record"
	"go.uber.org/zap"
)

const (
	fieldResetTokens       = "resetTokens"
	fieldOrphanedFeedbacks = "orphanedFeedbacks"

	// ReasonTokenInvalid is surfaced when a reset token is unknown or expired.
	ReasonTokenInvalid = "token_invalid"

	opLoad          = "meta.load"
	opAtomicUpdate  = "meta.atomic_update"
	opConsumeToken  = "meta.consume_reset_token"
	opAppendOrphans = "meta.append_orphaned_feedback"
)

var (
	errMissingStore = errors.New("kv store is required")
	noOpLogger      = zap.NewNop()
)

// ResetToken is a hashed password-reset token with a fixed TTL. Only the
// hash is ever persisted.
type ResetToken struct {
	TokenHash string    `json:"tokenHash"`
	TeamID    string    `json:"teamId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Snapshot is the normalized view of the shared metadata record.
type Snapshot struct {
	ResetTokens       []ResetToken
	OrphanedFeedbacks []any
}

// StoreConfig wires the metadata store's dependencies.
type StoreConfig struct {
	Store  kvstore.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store manages the single shared metadata record holding reset tokens and
// feedback orphaned by team deletion.
type Store struct {
	kv     kvstore.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates dependencies and returns the metadata store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Store == nil {
		return nil, record.NewServiceError("meta.store.new", "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{kv: cfg.Store, clock: clock, logger: logger}, nil
}

// HashToken returns the persisted representation of a raw reset token.
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// NewResetToken builds a token entry for the given team with a fixed TTL
// from creation.
func (s *Store) NewResetToken(teamID, rawToken string, ttl time.Duration) ResetToken {
	createdAt := s.clock().UTC()
	return ResetToken{
		TokenHash: HashToken(rawToken),
		TeamID:    teamID,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
}

// Load reads the metadata record, guaranteeing both lists are present.
// Expired tokens are pruned on every read; when pruning removed entries the
// shortened list is persisted back, piggybacking cleanup onto normal
// traffic.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	row, err := s.kv.Get(ctx, kvstore.KeyMeta)
	if err != nil {
		s.logError(opLoad, "read_failed", err)
		return Snapshot{}, record.NewServiceError(opLoad, "read_failed", err)
	}

	doc := record.Strip(record.Decode(row))
	tokens := decodeTokens(doc[fieldResetTokens])
	orphans := anySlice(doc[fieldOrphanedFeedbacks])

	kept := s.pruneExpired(tokens)
	if len(kept) != len(tokens) {
		if err := s.persistPrunedTokens(ctx); err != nil {
			// A competing writer already advanced the record; the next
			// reader prunes again.
			s.logger.Warn("reset token prune writeback failed", zap.Error(err))
		}
	}

	return Snapshot{ResetTokens: kept, OrphanedFeedbacks: orphans}, nil
}

// AtomicUpdate applies fn to a normalized clean copy of the metadata record
// under the shared load / transform / compare-and-swap loop. The record is
// created on first update if absent.
func (s *Store) AtomicUpdate(ctx context.Context, fn func(doc map[string]any) (map[string]any, error)) (map[string]any, error) {
	updated, err := record.AtomicUpdate(ctx, s.kv, kvstore.KeyMeta, func(current map[string]any, _ bool) (map[string]any, error) {
		return fn(normalize(current))
	}, s.clock)
	if err != nil {
		s.logError(opAtomicUpdate, record.ReasonOf(err), err)
		return nil, err
	}
	return updated, nil
}

// AddResetToken appends a token entry to the shared record.
func (s *Store) AddResetToken(ctx context.Context, token ResetToken) error {
	_, err := s.AtomicUpdate(ctx, func(doc map[string]any) (map[string]any, error) {
		tokens := s.pruneExpired(decodeTokens(doc[fieldResetTokens]))
		tokens = append(tokens, token)
		doc[fieldResetTokens] = encodeTokens(tokens)
		return doc, nil
	})
	return err
}

// ConsumeResetToken removes the entry matching the raw token and returns
// the owning team ID. Unknown or expired tokens fail with token_invalid.
func (s *Store) ConsumeResetToken(ctx context.Context, rawToken string) (string, error) {
	hash := HashToken(rawToken)
	teamID := ""
	_, err := s.AtomicUpdate(ctx, func(doc map[string]any) (map[string]any, error) {
		tokens := s.pruneExpired(decodeTokens(doc[fieldResetTokens]))
		kept := tokens[:0]
		for _, token := range tokens {
			if token.TokenHash == hash {
				teamID = token.TeamID
				continue
			}
			kept = append(kept, token)
		}
		if teamID == "" {
			return nil, nil
		}
		doc[fieldResetTokens] = encodeTokens(kept)
		return doc, nil
	})
	if err != nil {
		return "", err
	}
	if teamID == "" {
		return "", record.NewServiceError(opConsumeToken, ReasonTokenInvalid, nil)
	}
	return teamID, nil
}

// AppendOrphanedFeedback copies feedback entries from a team being deleted
// into the shared orphan list. Callers invoke this before the destructive
// delete so a crash in between duplicates feedback instead of losing it.
func (s *Store) AppendOrphanedFeedback(ctx context.Context, entries []any) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.AtomicUpdate(ctx, func(doc map[string]any) (map[string]any, error) {
		orphans := anySlice(doc[fieldOrphanedFeedbacks])
		doc[fieldOrphanedFeedbacks] = append(orphans, entries...)
		return doc, nil
	})
	if err != nil {
		s.logError(opAppendOrphans, record.ReasonOf(err), err)
	}
	return err
}

func (s *Store) persistPrunedTokens(ctx context.Context) error {
	_, err := s.AtomicUpdate(ctx, func(doc map[string]any) (map[string]any, error) {
		tokens := decodeTokens(doc[fieldResetTokens])
		kept := s.pruneExpired(tokens)
		if len(kept) == len(tokens) {
			return nil, nil
		}
		doc[fieldResetTokens] = encodeTokens(kept)
		return doc, nil
	})
	return err
}

func (s *Store) pruneExpired(tokens []ResetToken) []ResetToken {
	now := s.clock().UTC()
	kept := make([]ResetToken, 0, len(tokens))
	for _, token := range tokens {
		if token.ExpiresAt.After(now) {
			kept = append(kept, token)
		}
	}
	return kept
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
	s.logger.Error("meta store error", attrs...)
}

func normalize(doc map[string]any) map[string]any {
	doc[fieldResetTokens] = anySlice(doc[fieldResetTokens])
	doc[fieldOrphanedFeedbacks] = anySlice(doc[fieldOrphanedFeedbacks])
	return doc
}

func anySlice(value any) []any {
	if list, ok := value.([]any); ok {
		return list
	}
	return []any{}
}

func decodeTokens(value any) []ResetToken {
	encoded, err := json.Marshal(anySlice(value))
	if err != nil {
		return nil
	}
	var tokens []ResetToken
	if err := json.Unmarshal(encoded, &tokens); err != nil {
		return nil
	}
	return tokens
}

func encodeTokens(tokens []ResetToken) []any {
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
