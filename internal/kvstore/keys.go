package kvstore

// Key namespace shared with previously stored data; the literal values must
// not change or existing deployments lose their records.
const (
	KeyTeamPrefix     = "team:"
	KeyTeamIndex      = "team-index"
	KeyMeta           = "retro-meta"
	KeySessionPrefix  = "session:"
	KeyGlobalSettings = "global-settings"
	KeyLegacyData     = "retro-data"
)

// TeamKey returns the row key for a team record.
func TeamKey(teamID string) string {
	return KeyTeamPrefix + teamID
}

// SessionKey returns the row key for a session record.
func SessionKey(sessionID string) string {
	return KeySessionPrefix + sessionID
}
