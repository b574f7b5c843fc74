package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	relayChannel      = "retroboard:session-relay"
	membersKeyPrefix  = "retroboard:session:"
	membersKeySuffix  = ":members"
	membershipExpiry  = 24 * time.Hour
	redisOpBroadcast  = "session.redis.relay"
	redisOpMembership = "session.redis.membership"
)

var errMissingRedisClient = errors.New("redis client is required")

// RedisBroadcasterConfig wires the cross-instance fan-out adapter.
type RedisBroadcasterConfig struct {
	Client *redis.Client
	Hub    *Hub
	Logger *zap.Logger
}

// RedisBroadcaster extends room membership and relay across a fleet of
// server instances through one redis deployment: membership lives in a hash
// per session, relayed events travel over a pub/sub channel and are
// re-published into each instance's local hub — including the origin
// instance, so local delivery is uniform with remote delivery.
type RedisBroadcaster struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
}

// NewRedisBroadcaster validates dependencies and returns the adapter. Call
// Run to start consuming relayed events.
func NewRedisBroadcaster(cfg RedisBroadcasterConfig) (*RedisBroadcaster, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroadcaster{client: cfg.Client, hub: cfg.Hub, logger: logger}, nil
}

type relayEnvelope struct {
	SessionID string `json:"sessionId"`
	Exclude   string `json:"exclude,omitempty"`
	Event     Event  `json:"event"`
}

func membersKey(sessionID string) string {
	return membersKeyPrefix + sessionID + membersKeySuffix
}

func (b *RedisBroadcaster) Join(ctx context.Context, sessionID string, member Member) error {
	key := membersKey(sessionID)
	if err := b.client.HSet(ctx, key, member.ID, member.Name).Err(); err != nil {
		b.logger.Error("session membership write failed",
			zap.String("operation", redisOpMembership), zap.Error(err))
		return err
	}
	return b.client.Expire(ctx, key, membershipExpiry).Err()
}

func (b *RedisBroadcaster) Leave(ctx context.Context, sessionID, memberID string) error {
	return b.client.HDel(ctx, membersKey(sessionID), memberID).Err()
}

func (b *RedisBroadcaster) Roster(ctx context.Context, sessionID string) ([]Member, error) {
	entries, err := b.client.HGetAll(ctx, membersKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(entries))
	for id, name := range entries {
		members = append(members, Member{ID: id, Name: name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

func (b *RedisBroadcaster) Relay(ctx context.Context, sessionID string, event Event, excludeMemberID string) error {
	envelope := relayEnvelope{SessionID: sessionID, Exclude: excludeMemberID, Event: event}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, relayChannel, encoded).Err(); err != nil {
		b.logger.Error("session relay publish failed",
			zap.String("operation", redisOpBroadcast), zap.Error(err))
		return err
	}
	return nil
}

// Run consumes the relay channel until ctx is cancelled, re-publishing each
// envelope into the local hub. Runs as a long-lived goroutine per instance.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, relayChannel)
	defer pubsub.Close()

	stream := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-stream:
			if !ok {
				return nil
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
				b.logger.Warn("discarding malformed relay envelope", zap.Error(err))
				continue
			}
			b.hub.Publish(envelope.SessionID, envelope.Event, envelope.Exclude)
		}
	}
}
