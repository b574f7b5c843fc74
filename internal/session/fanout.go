package session

import "context"

// Broadcaster extends room membership and message relay beyond the local
// process. A single-instance deployment uses the local adapter; a fleet
// sharing one datastore plugs in the redis adapter. Business logic holds
// only this interface.
type Broadcaster interface {
	// Join records global room membership for the participant.
	Join(ctx context.Context, sessionID string, member Member) error
	// Leave removes global room membership.
	Leave(ctx context.Context, sessionID, memberID string) error
	// Roster enumerates room members across all instances.
	Roster(ctx context.Context, sessionID string) ([]Member, error)
	// Relay delivers the event to every room member on every instance,
	// excluding connections of excludeMemberID.
	Relay(ctx context.Context, sessionID string, event Event, excludeMemberID string) error
}

// LocalBroadcaster serves single-instance deployments: membership is purely
// the local room table and relay is a direct hub publish.
type LocalBroadcaster struct {
	hub *Hub
}

// NewLocalBroadcaster wraps the in-process hub.
func NewLocalBroadcaster(hub *Hub) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

func (b *LocalBroadcaster) Join(ctx context.Context, sessionID string, member Member) error {
	return nil
}

func (b *LocalBroadcaster) Leave(ctx context.Context, sessionID, memberID string) error {
	return nil
}

func (b *LocalBroadcaster) Roster(ctx context.Context, sessionID string) ([]Member, error) {
	return b.hub.Members(sessionID), nil
}

func (b *LocalBroadcaster) Relay(ctx context.Context, sessionID string, event Event, excludeMemberID string) error {
	b.hub.Publish(sessionID, event, excludeMemberID)
	return nil
}
