// Package membership implements the Membership collaborator (spec §6): resolving a user's guild set on Identify and
// answering ad-hoc guild-membership checks used to re-verify a pub/sub-sourced guild join before the subscriber
// trusts it.
package membership

import (
	"context"

	"github.com/google/uuid"
)

// Directory is the Membership collaborator contract the Gateway consumes. Implementations may perform I/O; callers
// should treat both methods as blocking (spec §6 "Synchronous-looking, may perform I/O").
type Directory interface {
	// GuildsForUser returns every guild the user currently belongs to.
	GuildsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	// UserInGuild reports whether a user is a member of a guild. Used by the subscriber to double-check a
	// GUILD_CREATE event before expanding a session's fan-out subscriptions.
	UserInGuild(ctx context.Context, userID, guildID uuid.UUID) (bool, error)
}
