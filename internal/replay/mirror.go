package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Mirror is a best-effort Valkey-backed store for a detached Session's identity and last sequence number (Save,
// Load) and for its replay frames (AppendFrame, FramesSince) (spec §3 "Session persistence across detach",
// orthogonal to the in-process Connection Manager). Dispatcher calls only Save on detach and Delete; it never writes
// replay frames and never reads the Mirror back, so a Resume is answered only by Session.Resume from its in-memory
// Buffer. A Mirror is optional, and a nil *Mirror is never dereferenced by callers that check for it first.
type Mirror struct {
	rdb       *redis.Client
	ttl       time.Duration
	maxReplay int
}

// NewMirror creates a Mirror backed by the given Valkey client. ttl bounds how long a detached session's state
// survives without a resume; maxReplay bounds the persisted buffer to the same capacity as the in-memory one.
func NewMirror(rdb *redis.Client, ttl time.Duration, maxReplay int) *Mirror {
	return &Mirror{rdb: rdb, ttl: ttl, maxReplay: maxReplay}
}

func sessionKey(sessionID uuid.UUID) string { return "gwsession:" + sessionID.String() }
func replayKey(sessionID uuid.UUID) string  { return "gwreplay:" + sessionID.String() }

type sessionMeta struct {
	UserID         string `json:"user_id"`
	LastSeq        int64  `json:"last_seq"`
	DisconnectedAt int64  `json:"disconnected_at"`
}

// SavedState is the metadata restored for a session the current process has never seen, after a process restart.
type SavedState struct {
	UserID  uuid.UUID
	LastSeq int64
}

// Save persists a session's identity and last sequence number when its Connection detaches. The metadata and replay
// list share a TTL so they expire together.
func (m *Mirror) Save(ctx context.Context, sessionID, userID uuid.UUID, lastSeq int64) error {
	data, err := json.Marshal(sessionMeta{
		UserID:         userID.String(),
		LastSeq:        lastSeq,
		DisconnectedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}

	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, sessionKey(sessionID), data, m.ttl)
	pipe.Expire(ctx, replayKey(sessionID), m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load retrieves a session's persisted identity. Returns redis.Nil (unwrapped, check with errors.Is) if the session
// has no surviving mirror entry.
func (m *Mirror) Load(ctx context.Context, sessionID uuid.UUID) (*SavedState, error) {
	raw, err := m.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		return nil, err
	}

	var meta sessionMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session meta: %w", err)
	}
	userID, err := uuid.Parse(meta.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse session user id: %w", err)
	}
	return &SavedState{UserID: userID, LastSeq: meta.LastSeq}, nil
}

// Delete removes a session's mirrored state, called once a resume succeeds or the resume window has fully elapsed.
func (m *Mirror) Delete(ctx context.Context, sessionID uuid.UUID) error {
	if err := m.rdb.Del(ctx, sessionKey(sessionID), replayKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session mirror: %w", err)
	}
	return nil
}

type mirrorEntry struct {
	Seq   int64  `json:"s"`
	Frame []byte `json:"f"`
}

// AppendFrame mirrors one already-serialised dispatch frame alongside its sequence number. The list is capped at
// maxReplay entries via LTRIM, matching the in-memory Buffer's own eviction policy, and its TTL is refreshed.
func (m *Mirror) AppendFrame(ctx context.Context, sessionID uuid.UUID, seq int64, frame []byte) error {
	entry, err := json.Marshal(mirrorEntry{Seq: seq, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal mirror entry: %w", err)
	}

	key := replayKey(sessionID)
	pipe := m.rdb.Pipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, int64(-m.maxReplay), -1)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append mirror entry: %w", err)
	}
	return nil
}

// FramesSince returns the mirrored frames with sequence numbers strictly greater than afterSeq, in order. No Resume
// path calls it: Dispatcher uses only Save and Delete, and neither AppendFrame nor FramesSince has a caller outside
// this package's tests.
func (m *Mirror) FramesSince(ctx context.Context, sessionID uuid.UUID, afterSeq int64) ([][]byte, error) {
	raw, err := m.rdb.LRange(ctx, replayKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read mirrored replay buffer: %w", err)
	}

	var frames [][]byte
	for _, item := range raw {
		var entry mirrorEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.Seq > afterSeq {
			frames = append(frames, entry.Frame)
		}
	}
	return frames, nil
}
