package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/record"
	"go.uber.org/zap"
)

const (
	opServiceNew    = "session.service.new"
	opJoin          = "session.join"
	opLeave         = "session.leave"
	opPublishUpdate = "session.publish_update"
)

var (
	errMissingStore       = errors.New("kv store is required")
	errMissingHub         = errors.New("hub is required")
	errMissingBroadcaster = errors.New("broadcaster is required")
	noOpLogger            = zap.NewNop()
)

// ServiceConfig wires the session service's dependencies.
type ServiceConfig struct {
	Store       kvstore.Store
	Hub         *Hub
	Broadcaster Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service manages live session state: a write-through payload cache over
// session rows plus room-based broadcast. Session writes are unconditional
// overwrites — the most recent writer always wins. That trades a silently
// dropped near-simultaneous edit for availability and latency, which is the
// right call for real-time collaborative editing.
type Service struct {
	kv     kvstore.Store
	cache  *cache
	hub    *Hub
	fanout Broadcaster
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates dependencies and returns the session service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, record.NewServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Hub == nil {
		return nil, record.NewServiceError(opServiceNew, "missing_hub", errMissingHub)
	}
	if cfg.Broadcaster == nil {
		return nil, record.NewServiceError(opServiceNew, "missing_broadcaster", errMissingBroadcaster)
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
		kv:     cfg.Store,
		cache:  newCache(),
		hub:    cfg.Hub,
		fanout: cfg.Broadcaster,
		clock:  clock,
		logger: logger,
	}, nil
}

// JoinResult is handed back to the transport after a successful join.
type JoinResult struct {
	// Roster enumerates room members across all server instances.
	Roster []Member
	// Payload is the latest session state, nil when the session has never
	// been written. The in-memory cache wins over the store when both hold
	// a value.
	Payload map[string]any
	// Events delivers subsequent broadcasts for this connection.
	Events <-chan Event
	// Cancel removes the connection from the room.
	Cancel func()
}

// Join adds the participant to the session room, announces the arrival to
// everyone else and returns the current roster and payload.
func (s *Service) Join(ctx context.Context, sessionID string, member Member) (JoinResult, error) {
	if sessionID == "" || member.ID == "" {
		return JoinResult{}, record.NewServiceError(opJoin, "missing_identifier", nil)
	}

	events, cancel := s.hub.Subscribe(ctx, sessionID, member)
	if err := s.fanout.Join(ctx, sessionID, member); err != nil {
		cancel()
		s.logError(opJoin, "membership_failed", err, zap.String("session_id", sessionID))
		return JoinResult{}, record.NewServiceError(opJoin, "membership_failed", err)
	}

	roster, err := s.fanout.Roster(ctx, sessionID)
	if err != nil {
		cancel()
		s.logError(opJoin, "roster_failed", err, zap.String("session_id", sessionID))
		return JoinResult{}, record.NewServiceError(opJoin, "roster_failed", err)
	}

	payload, err := s.latestPayload(ctx, sessionID)
	if err != nil {
		cancel()
		return JoinResult{}, err
	}

	if err := s.fanout.Relay(ctx, sessionID, memberEvent(EventMemberJoined, member), member.ID); err != nil {
		s.logError(opJoin, "announce_failed", err, zap.String("session_id", sessionID))
	}

	return JoinResult{Roster: roster, Payload: payload, Events: events, Cancel: cancel}, nil
}

// Leave removes the participant's room membership and notifies the rest of
// the room. The connection-level cleanup happens via JoinResult.Cancel.
func (s *Service) Leave(ctx context.Context, sessionID string, member Member) error {
	if err := s.fanout.Leave(ctx, sessionID, member.ID); err != nil {
		s.logError(opLeave, "membership_failed", err, zap.String("session_id", sessionID))
		return record.NewServiceError(opLeave, "membership_failed", err)
	}
	if err := s.fanout.Relay(ctx, sessionID, memberEvent(EventMemberLeft, member), member.ID); err != nil {
		s.logError(opLeave, "announce_failed", err, zap.String("session_id", sessionID))
	}
	return nil
}

// PublishUpdate persists the payload (unconditional overwrite, revision is
// a plain write counter), refreshes the cache and relays the payload to
// every other room member. The sender is excluded to avoid a redundant
// round-trip.
func (s *Service) PublishUpdate(ctx context.Context, sessionID string, payload map[string]any, senderID string) error {
	if sessionID == "" {
		return record.NewServiceError(opPublishUpdate, "missing_identifier", nil)
	}
	if payload == nil {
		return record.NewServiceError(opPublishUpdate, "missing_payload", nil)
	}

	clean := record.Strip(payload)
	// Cache first: readers must see this write even before it is durable.
	s.cache.put(sessionID, clean)

	key := kvstore.SessionKey(sessionID)
	row, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logError(opPublishUpdate, "read_failed", err, zap.String("session_id", sessionID))
		return record.NewServiceError(opPublishUpdate, "read_failed", err)
	}
	storedRev := record.Revision(record.Decode(row))

	next := make(map[string]any, len(clean)+2)
	for field, value := range clean {
		next[field] = value
	}
	next[record.FieldRevision] = storedRev + 1
	next[record.FieldUpdatedAt] = s.clock().UTC().Format(time.RFC3339Nano)
	encoded, err := json.Marshal(next)
	if err != nil {
		return record.NewServiceError(opPublishUpdate, "encode_failed", err)
	}
	if err := s.kv.Set(ctx, key, string(encoded)); err != nil {
		s.logError(opPublishUpdate, "write_failed", err, zap.String("session_id", sessionID))
		return record.NewServiceError(opPublishUpdate, "write_failed", err)
	}

	data, err := json.Marshal(clean)
	if err != nil {
		return record.NewServiceError(opPublishUpdate, "encode_failed", err)
	}
	if err := s.fanout.Relay(ctx, sessionID, Event{Type: EventSessionUpdate, Data: data}, senderID); err != nil {
		s.logError(opPublishUpdate, "relay_failed", err, zap.String("session_id", sessionID))
	}
	return nil
}

// Payload returns the latest session state without joining the room.
func (s *Service) Payload(ctx context.Context, sessionID string) (map[string]any, error) {
	return s.latestPayload(ctx, sessionID)
}

func (s *Service) latestPayload(ctx context.Context, sessionID string) (map[string]any, error) {
	if payload, ok := s.cache.get(sessionID); ok {
		return payload, nil
	}
	row, err := s.kv.Get(ctx, kvstore.SessionKey(sessionID))
	if err != nil {
		s.logError(opJoin, "read_failed", err, zap.String("session_id", sessionID))
		return nil, record.NewServiceError(opJoin, "read_failed", err)
	}
	if row == nil {
		return nil, nil
	}
	return record.Strip(record.Decode(row)), nil
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
	s.logger.Error("session service error", attrs...)
}
