// Package session implements the Session component (spec §4.D): the logical identity that survives brief
// disconnects, owning a Replay Buffer and a guild subscription set. A Session never holds a live *conn.Connection;
// it holds the connection's id plus a ConnectionHandle (spec §9, "break cyclic ownership... by making the
// Connection address-only"), so detaching a Session is just forgetting that handle.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberline-chat/gateway/internal/protocol"
	"github.com/emberline-chat/gateway/internal/replay"
)

// State is the Session lifecycle state (spec §4.D): New -> Identifying -> Active <-> Detached -> Expired.
type State int

const (
	StateNew State = iota
	StateIdentifying
	StateActive
	StateDetached
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateIdentifying:
		return "identifying"
	case StateActive:
		return "active"
	case StateDetached:
		return "detached"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ConnectionHandle is the address-only view of an attached Connection that Session is allowed to hold: enough to
// push frames and force a close, but not the Connection type itself.
type ConnectionHandle interface {
	Enqueue(frame []byte)
	Close(code int, reason string)
}

// ResumeResult is returned by Resume.
type ResumeResult struct {
	// Frames are the buffered dispatch frames with seq > the client's last-seen seq, in order. Nil when Resumable
	// is false.
	Frames [][]byte
	// Resumable is false when the requested range has already fallen out of the Replay Buffer; the caller must send
	// Invalid Session (resumable=false) and force the client to Identify again.
	Resumable bool
	// Displaced is the previously attached handle, non-nil only when Resume targeted an already-Active Session
	// (spec §4.D "last-write-wins on token match"). The caller must close it with CloseUnknownError.
	Displaced ConnectionHandle
}

// Session is the logical identity bound to a user across reconnects. The zero value is not usable; construct with
// New.
type Session struct {
	ID uuid.UUID

	mu         sync.Mutex
	state      State
	userID     uuid.UUID
	replayBuf  *replay.Buffer
	guilds     map[uuid.UUID]struct{}
	presence   string
	createdAt  time.Time
	detachedAt time.Time
	connID     uuid.UUID
	conn       ConnectionHandle
}

// New constructs a Session in StateNew with an empty Replay Buffer of the given capacity.
func New(id uuid.UUID, replayCapacity int) *Session {
	return &Session{
		ID:        id,
		state:     StateNew,
		replayBuf: replay.NewBuffer(replayCapacity),
		guilds:    make(map[uuid.UUID]struct{}),
		presence:  "online",
		createdAt: time.Now(),
	}
}

// Activate binds the Session to an authenticated user and its initial guild set, and attaches the originating
// Connection (spec §4.D Identify). It must only be called once, on a freshly created Session.
func (s *Session) Activate(userID uuid.UUID, guildIDs []uuid.UUID, presence string, connID uuid.UUID, handle ConnectionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = userID
	s.guilds = make(map[uuid.UUID]struct{}, len(guildIDs))
	for _, g := range guildIDs {
		s.guilds[g] = struct{}{}
	}
	if presence != "" {
		s.presence = presence
	}
	s.connID = connID
	s.conn = handle
	s.state = StateActive
}

// Resume re-attaches a new Connection to this Session (spec §4.D Resume). If clientSeq is still covered by the
// Replay Buffer, the Session reattaches and the caller should deliver Frames followed by a RESUMED dispatch. If the
// gap is too large, the Session transitions to Expired and the caller must force a fresh Identify.
func (s *Session) Resume(clientSeq int64, connID uuid.UUID, handle ConnectionHandle) ResumeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames, ok := s.replayBuf.Since(clientSeq)
	if !ok {
		s.state = StateExpired
		return ResumeResult{Resumable: false}
	}

	var displaced ConnectionHandle
	if s.state == StateActive && s.conn != nil {
		displaced = s.conn
	}

	s.connID = connID
	s.conn = handle
	s.state = StateActive

	return ResumeResult{Frames: frames, Resumable: true, Displaced: displaced}
}

// Detach forgets the attached Connection, transitioning Active -> Detached. A no-op if already Detached or Expired.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detach()
}

func (s *Session) detach() {
	if s.state != StateActive {
		return
	}
	s.conn = nil
	s.connID = uuid.Nil
	s.state = StateDetached
	s.detachedAt = time.Now()
}

// Close terminates any attached Connection and transitions the Session to Expired. The caller is responsible for
// deregistering the Session from the Connection Manager afterward.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connID = uuid.Nil
	s.state = StateExpired
	s.mu.Unlock()

	if conn != nil {
		conn.Close(code, reason)
	}
}

// Dispatch delivers an event to the Session (spec §4.D dispatch, §4.G). Non-ephemeral events are assigned the next
// sequence number and recorded in the Replay Buffer regardless of attachment, so a later Resume can replay them;
// ephemeral events (e.g. TYPING_START) are never buffered and are dropped silently if the Session is detached.
func (s *Session) Dispatch(eventType protocol.DispatchEvent, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eventType.Ephemeral() {
		if s.conn == nil {
			return nil
		}
		frame, err := protocol.NewEphemeralDispatchFrame(eventType, payload)
		if err != nil {
			return err
		}
		s.conn.Enqueue(frame)
		return nil
	}

	_, frame, err := s.replayBuf.Append(eventType, payload)
	if err != nil {
		return err
	}
	if s.conn != nil {
		s.conn.Enqueue(frame)
	}
	return nil
}

// Reconnect pushes an unsolicited Reconnect frame to the attached Connection, if any, instructing the client to
// reconnect (spec §4.G), e.g. during controlled shutdown. A no-op if the Session has no live Connection.
func (s *Session) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	frame, err := protocol.NewReconnectFrame()
	if err != nil {
		return
	}
	conn.Enqueue(frame)
}

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the authenticated user ID. Zero-value before Activate is called.
func (s *Session) UserID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Seq returns the last sequence number assigned to this Session's Replay Buffer.
func (s *Session) Seq() int64 {
	return s.replayBuf.LastSeq()
}

// Guilds returns a snapshot of the Session's subscribed guild IDs.
func (s *Session) Guilds() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.guilds))
	for g := range s.guilds {
		out = append(out, g)
	}
	return out
}

// SubscribeGuild adds a guild to the Session's subscription set.
func (s *Session) SubscribeGuild(guildID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guilds[guildID] = struct{}{}
}

// UnsubscribeGuild removes a guild from the Session's subscription set.
func (s *Session) UnsubscribeGuild(guildID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.guilds, guildID)
}

// Presence returns the Session's current presence status.
func (s *Session) Presence() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// SetPresence updates the Session's presence status.
func (s *Session) SetPresence(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = status
}

// DetachedFor reports how long the Session has been Detached. Only meaningful when State() == StateDetached.
func (s *Session) DetachedFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDetached {
		return 0
	}
	return time.Since(s.detachedAt)
}

// Expired reports whether a Detached Session has outlived the resume window and should be destroyed (spec §4.D,
// invariant 5 in spec §8).
func (s *Session) Expired(resumeWindow time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExpired {
		return true
	}
	return s.state == StateDetached && time.Since(s.detachedAt) > resumeWindow
}
