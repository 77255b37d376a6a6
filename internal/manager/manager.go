// Package manager implements the Connection Manager (spec §4.E): the process-wide registry of Sessions and the
// three indices (session_id, user_id->sessions, guild_id->sessions) that drive routing. Indices are sharded by a
// hash of the key's first bytes so that fan-out to one guild's sessions never serializes behind a single global
// mutex (spec §9).
package manager

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/emberline-chat/gateway/internal/protocol"
	"github.com/emberline-chat/gateway/internal/session"
)

// ErrMaxConnections is returned by Register when the Manager is already at its configured connection cap.
var ErrMaxConnections = errors.New("maximum connections reached")

const shardCount = 32

func shardFor(id uuid.UUID) int {
	return int(binary.BigEndian.Uint64(id[:8]) % shardCount)
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session.Session
}

// setIndex maps a key (user_id or guild_id) to the set of session IDs associated with it, sharded by the key.
type setIndex struct {
	shards [shardCount]*struct {
		mu   sync.RWMutex
		sets map[uuid.UUID]map[uuid.UUID]struct{}
	}
}

func newSetIndex() *setIndex {
	idx := &setIndex{}
	for i := range idx.shards {
		idx.shards[i] = &struct {
			mu   sync.RWMutex
			sets map[uuid.UUID]map[uuid.UUID]struct{}
		}{sets: make(map[uuid.UUID]map[uuid.UUID]struct{})}
	}
	return idx
}

func (idx *setIndex) add(key, member uuid.UUID) {
	shard := idx.shards[shardFor(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	set, ok := shard.sets[key]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		shard.sets[key] = set
	}
	set[member] = struct{}{}
}

func (idx *setIndex) remove(key, member uuid.UUID) {
	shard := idx.shards[shardFor(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	set, ok := shard.sets[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(shard.sets, key)
	}
}

// snapshot returns a point-in-time copy of the member set for key.
func (idx *setIndex) snapshot(key uuid.UUID) map[uuid.UUID]struct{} {
	shard := idx.shards[shardFor(key)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	set := shard.sets[key]
	out := make(map[uuid.UUID]struct{}, len(set))
	for m := range set {
		out[m] = struct{}{}
	}
	return out
}

// Manager is the Connection Manager: the process-wide Session registry (spec §4.E).
type Manager struct {
	sessionShards  [shardCount]*sessionShard
	userIndex      *setIndex
	guildIndex     *setIndex
	maxConnections int
	count          int64
	countMu        sync.Mutex
}

// New constructs an empty Manager. maxConnections <= 0 means unbounded.
func New(maxConnections int) *Manager {
	m := &Manager{
		userIndex:      newSetIndex(),
		guildIndex:     newSetIndex(),
		maxConnections: maxConnections,
	}
	for i := range m.sessionShards {
		m.sessionShards[i] = &sessionShard{sessions: make(map[uuid.UUID]*session.Session)}
	}
	return m
}

func (m *Manager) sessionShard(id uuid.UUID) *sessionShard {
	return m.sessionShards[shardFor(id)]
}

// Register adds an already-Activated Session to the registry, indexing it by user and by every guild it currently
// subscribes to. Returns ErrMaxConnections if the Manager is at capacity.
func (m *Manager) Register(s *session.Session) error {
	m.countMu.Lock()
	if m.maxConnections > 0 && m.count >= int64(m.maxConnections) {
		m.countMu.Unlock()
		return ErrMaxConnections
	}
	m.count++
	m.countMu.Unlock()

	shard := m.sessionShard(s.ID)
	shard.mu.Lock()
	shard.sessions[s.ID] = s
	shard.mu.Unlock()

	m.userIndex.add(s.UserID(), s.ID)
	for _, g := range s.Guilds() {
		m.guildIndex.add(g, s.ID)
	}
	return nil
}

// Deregister removes a Session from every index. A no-op if the Session is not registered.
func (m *Manager) Deregister(sessionID uuid.UUID) {
	shard := m.sessionShard(sessionID)
	shard.mu.Lock()
	s, ok := shard.sessions[sessionID]
	if ok {
		delete(shard.sessions, sessionID)
	}
	shard.mu.Unlock()

	if !ok {
		return
	}

	m.countMu.Lock()
	m.count--
	m.countMu.Unlock()

	m.userIndex.remove(s.UserID(), sessionID)
	for _, g := range s.Guilds() {
		m.guildIndex.remove(g, sessionID)
	}
}

// Get looks up a Session by id.
func (m *Manager) Get(sessionID uuid.UUID) (*session.Session, bool) {
	shard := m.sessionShard(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	s, ok := shard.sessions[sessionID]
	return s, ok
}

// SubscribeGuild adds guildID to both the Session's own subscription set and the Manager's guild index. A no-op if
// the Session is not registered.
func (m *Manager) SubscribeGuild(sessionID, guildID uuid.UUID) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	s.SubscribeGuild(guildID)
	m.guildIndex.add(guildID, sessionID)
}

// UnsubscribeGuild removes guildID from both the Session's own subscription set and the Manager's guild index.
func (m *Manager) UnsubscribeGuild(sessionID, guildID uuid.UUID) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	s.UnsubscribeGuild(guildID)
	m.guildIndex.remove(guildID, sessionID)
}

// Route resolves a Target to the point-in-time set of matching Sessions (spec §4.E). Sessions deregistered between
// the snapshot and the caller's dispatch are simply absent; the caller must tolerate disappearing Sessions.
func (m *Manager) Route(target protocol.Target) []*session.Session {
	switch target.Kind {
	case protocol.TargetBroadcast:
		return m.allSessions()
	case protocol.TargetUser:
		return m.resolve(m.userIndex.snapshot(target.UserID))
	case protocol.TargetGuild:
		return m.resolve(m.guildIndex.snapshot(target.GuildID))
	case protocol.TargetGuildExcludeUser:
		guildSet := m.guildIndex.snapshot(target.GuildID)
		userSet := m.userIndex.snapshot(target.UserID)
		for id := range userSet {
			delete(guildSet, id)
		}
		return m.resolve(guildSet)
	default:
		return nil
	}
}

func (m *Manager) resolve(ids map[uuid.UUID]struct{}) []*session.Session {
	out := make([]*session.Session, 0, len(ids))
	for id := range ids {
		if s, ok := m.Get(id); ok {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) allSessions() []*session.Session {
	var out []*session.Session
	for _, shard := range m.sessionShards {
		shard.mu.RLock()
		for _, s := range shard.sessions {
			out = append(out, s)
		}
		shard.mu.RUnlock()
	}
	return out
}

// Count returns the number of currently registered Sessions.
func (m *Manager) Count() int {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	return int(m.count)
}
