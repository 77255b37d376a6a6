package protocol

import "github.com/google/uuid"

// TargetKind selects which Connection Manager index a PubSubEvent is routed through.
type TargetKind int

const (
	TargetBroadcast TargetKind = iota
	TargetUser
	TargetGuild
	TargetGuildExcludeUser
)

// Target identifies the recipients of a PubSubEvent, per spec §3.
type Target struct {
	Kind    TargetKind
	UserID  uuid.UUID
	GuildID uuid.UUID
}

// Broadcast targets every registered Session.
func Broadcast() Target { return Target{Kind: TargetBroadcast} }

// User targets every Session authenticated as the given user.
func User(userID uuid.UUID) Target { return Target{Kind: TargetUser, UserID: userID} }

// Guild targets every Session subscribed to the given guild.
func Guild(guildID uuid.UUID) Target { return Target{Kind: TargetGuild, GuildID: guildID} }

// GuildExcludeUser targets every Session subscribed to the given guild except those authenticated as userID.
func GuildExcludeUser(guildID, userID uuid.UUID) Target {
	return Target{Kind: TargetGuildExcludeUser, GuildID: guildID, UserID: userID}
}

// PubSubEvent is a typed record carrying a dispatch event from the REST tier to the Subscriber (spec §3).
type PubSubEvent struct {
	EventType DispatchEvent
	Payload   []byte
	Target    Target
}
