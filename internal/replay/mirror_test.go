package replay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewMirror(rdb, time.Minute, 4)
}

func TestMirrorSaveAndLoad(t *testing.T) {
	t.Parallel()
	m := newTestMirror(t)
	ctx := context.Background()
	sessionID := uuid.New()
	userID := uuid.New()

	if err := m.Save(ctx, sessionID, userID, 7); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	state, err := m.Load(ctx, sessionID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.UserID != userID {
		t.Errorf("UserID = %v, want %v", state.UserID, userID)
	}
	if state.LastSeq != 7 {
		t.Errorf("LastSeq = %d, want 7", state.LastSeq)
	}
}

func TestMirrorLoadMissingReturnsRedisNil(t *testing.T) {
	t.Parallel()
	m := newTestMirror(t)

	_, err := m.Load(context.Background(), uuid.New())
	if err != redis.Nil {
		t.Fatalf("Load() error = %v, want redis.Nil", err)
	}
}

func TestMirrorAppendFrameEvictsPastCapacity(t *testing.T) {
	t.Parallel()
	m := newTestMirror(t)
	ctx := context.Background()
	sessionID := uuid.New()

	for i := int64(1); i <= 6; i++ {
		if err := m.AppendFrame(ctx, sessionID, i, []byte("frame")); err != nil {
			t.Fatalf("AppendFrame(%d) error = %v", i, err)
		}
	}

	frames, err := m.FramesSince(ctx, sessionID, 0)
	if err != nil {
		t.Fatalf("FramesSince() error = %v", err)
	}
	// Capacity is 4, so only seq 3-6 should remain.
	if len(frames) != 4 {
		t.Fatalf("len(frames) = %d, want 4", len(frames))
	}
}

func TestMirrorFramesSinceFiltersBySeq(t *testing.T) {
	t.Parallel()
	m := newTestMirror(t)
	ctx := context.Background()
	sessionID := uuid.New()

	for i := int64(1); i <= 3; i++ {
		if err := m.AppendFrame(ctx, sessionID, i, []byte("frame")); err != nil {
			t.Fatalf("AppendFrame(%d) error = %v", i, err)
		}
	}

	frames, err := m.FramesSince(ctx, sessionID, 1)
	if err != nil {
		t.Fatalf("FramesSince() error = %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
}

func TestMirrorDelete(t *testing.T) {
	t.Parallel()
	m := newTestMirror(t)
	ctx := context.Background()
	sessionID := uuid.New()

	if err := m.Save(ctx, sessionID, uuid.New(), 1); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := m.Delete(ctx, sessionID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Load(ctx, sessionID); err != redis.Nil {
		t.Fatalf("Load() after Delete error = %v, want redis.Nil", err)
	}
}
