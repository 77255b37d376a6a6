package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/emberline-chat/gateway/internal/protocol"
)

type fakeHandle struct {
	enqueued [][]byte
	closed   bool
	code     int
	reason   string
}

func (f *fakeHandle) Enqueue(frame []byte) { f.enqueued = append(f.enqueued, frame) }
func (f *fakeHandle) Close(code int, reason string) {
	f.closed = true
	f.code = code
	f.reason = reason
}

func TestSessionActivateSetsStateActive(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 16)
	user := uuid.New()
	guild := uuid.New()
	h := &fakeHandle{}

	s.Activate(user, []uuid.UUID{guild}, "idle", uuid.New(), h)

	if s.State() != StateActive {
		t.Errorf("State() = %v, want StateActive", s.State())
	}
	if s.UserID() != user {
		t.Errorf("UserID() = %v, want %v", s.UserID(), user)
	}
	if s.Presence() != "idle" {
		t.Errorf("Presence() = %q, want idle", s.Presence())
	}
	guilds := s.Guilds()
	if len(guilds) != 1 || guilds[0] != guild {
		t.Errorf("Guilds() = %v, want [%v]", guilds, guild)
	}
}

func TestSessionDispatchAssignsSeqAndEnqueues(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 16)
	h := &fakeHandle{}
	s.Activate(uuid.New(), nil, "", uuid.New(), h)

	if err := s.Dispatch(protocol.MessageCreate, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if s.Seq() != 1 {
		t.Errorf("Seq() = %d, want 1", s.Seq())
	}
	if len(h.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(h.enqueued))
	}
}

func TestSessionDispatchWhileDetachedStillBuffersButDoesNotEnqueue(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 16)
	h := &fakeHandle{}
	s.Activate(uuid.New(), nil, "", uuid.New(), h)
	s.Detach()

	if err := s.Dispatch(protocol.MessageCreate, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(h.enqueued) != 0 {
		t.Errorf("enqueued = %d, want 0 (detached)", len(h.enqueued))
	}
	if s.Seq() != 1 {
		t.Errorf("Seq() = %d, want 1 (buffer still advances while detached)", s.Seq())
	}
}

func TestSessionDispatchEphemeralNeverBuffered(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 16)
	h := &fakeHandle{}
	s.Activate(uuid.New(), nil, "", uuid.New(), h)

	if err := s.Dispatch(protocol.TypingStart, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if s.Seq() != 0 {
		t.Errorf("Seq() = %d, want 0 (ephemeral events are not sequenced)", s.Seq())
	}
	if len(h.enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1", len(h.enqueued))
	}
}

func TestSessionResumeReplaysMissingFrames(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 16)
	h1 := &fakeHandle{}
	s.Activate(uuid.New(), nil, "", uuid.New(), h1)
	_ = s.Dispatch(protocol.MessageCreate, json.RawMessage(`{}`))
	_ = s.Dispatch(protocol.MessageCreate, json.RawMessage(`{}`))
	s.Detach()

	h2 := &fakeHandle{}
	result := s.Resume(0, uuid.New(), h2)

	if !result.Resumable {
		t.Fatal("Resume() not resumable, want resumable")
	}
	if len(result.Frames) != 2 {
		t.Fatalf("len(Frames) = %d, want 2", len(result.Frames))
	}
	if s.State() != StateActive {
		t.Errorf("State() = %v, want StateActive", s.State())
	}
}

func TestSessionResumeOnAlreadyActiveDisplacesPrevHandle(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 16)
	h1 := &fakeHandle{}
	s.Activate(uuid.New(), nil, "", uuid.New(), h1)

	h2 := &fakeHandle{}
	result := s.Resume(0, uuid.New(), h2)

	if result.Displaced == nil {
		t.Fatal("Displaced == nil, want h1 to be displaced (last-write-wins)")
	}
	if result.Displaced != h1 {
		t.Errorf("Displaced is not h1")
	}
}

func TestSessionResumeGapTooLargeExpiresSession(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 4)
	h1 := &fakeHandle{}
	s.Activate(uuid.New(), nil, "", uuid.New(), h1)
	for i := 0; i < 10; i++ {
		_ = s.Dispatch(protocol.MessageCreate, json.RawMessage(`{}`))
	}
	s.Detach()

	result := s.Resume(0, uuid.New(), &fakeHandle{})

	if result.Resumable {
		t.Fatal("Resume() resumable, want not resumable (gap larger than capacity)")
	}
	if s.State() != StateExpired {
		t.Errorf("State() = %v, want StateExpired", s.State())
	}
}

func TestSessionCloseClosesAttachedConnection(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 16)
	h := &fakeHandle{}
	s.Activate(uuid.New(), nil, "", uuid.New(), h)

	s.Close(4000, "shutdown")

	if !h.closed {
		t.Error("attached handle was not closed")
	}
	if s.State() != StateExpired {
		t.Errorf("State() = %v, want StateExpired", s.State())
	}
}

func TestSessionExpiredAfterResumeWindow(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 16)
	h := &fakeHandle{}
	s.Activate(uuid.New(), nil, "", uuid.New(), h)
	s.Detach()

	if s.Expired(time.Millisecond) {
		t.Error("Expired() = true immediately after detach, want false")
	}
	time.Sleep(5 * time.Millisecond)
	if !s.Expired(time.Millisecond) {
		t.Error("Expired() = false after resume window elapsed, want true")
	}
}

func TestSessionSubscribeUnsubscribeGuild(t *testing.T) {
	t.Parallel()

	s := New(uuid.New(), 16)
	g := uuid.New()
	s.SubscribeGuild(g)
	if guilds := s.Guilds(); len(guilds) != 1 {
		t.Fatalf("Guilds() = %v, want 1 entry", guilds)
	}
	s.UnsubscribeGuild(g)
	if guilds := s.Guilds(); len(guilds) != 0 {
		t.Fatalf("Guilds() = %v, want 0 entries", guilds)
	}
}
