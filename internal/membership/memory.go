package membership

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryDirectory is a Directory backed by a guarded map, used in tests and for local development
// without a Postgres dependency.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	members map[uuid.UUID]map[uuid.UUID]struct{} // userID -> guildID set
}

// NewInMemoryDirectory returns an empty InMemoryDirectory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{members: make(map[uuid.UUID]map[uuid.UUID]struct{})}
}

// AddMember records userID as a member of guildID.
func (d *InMemoryDirectory) AddMember(userID, guildID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	guilds, ok := d.members[userID]
	if !ok {
		guilds = make(map[uuid.UUID]struct{})
		d.members[userID] = guilds
	}
	guilds[guildID] = struct{}{}
}

// RemoveMember removes userID's membership in guildID, if any.
func (d *InMemoryDirectory) RemoveMember(userID, guildID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if guilds, ok := d.members[userID]; ok {
		delete(guilds, guildID)
	}
}

// GuildsForUser implements Directory.
func (d *InMemoryDirectory) GuildsForUser(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	guilds := d.members[userID]
	out := make([]uuid.UUID, 0, len(guilds))
	for g := range guilds {
		out = append(out, g)
	}
	return out, nil
}

// UserInGuild implements Directory.
func (d *InMemoryDirectory) UserInGuild(_ context.Context, userID, guildID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	guilds, ok := d.members[userID]
	if !ok {
		return false, nil
	}
	_, ok = guilds[guildID]
	return ok, nil
}
