// Package dispatcher implements the Event Dispatcher & Handlers component (spec §4.G): the finite opcode handler
// table that wires Connection, Session, the Connection Manager, the Pub/Sub Subscriber, and the Auth and Membership
// collaborators together. It is the only package that depends on all of the above; every other Gateway package stays
// a leaf below it.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emberline-chat/gateway/internal/auth"
	"github.com/emberline-chat/gateway/internal/bus"
	"github.com/emberline-chat/gateway/internal/conn"
	"github.com/emberline-chat/gateway/internal/manager"
	"github.com/emberline-chat/gateway/internal/membership"
	"github.com/emberline-chat/gateway/internal/presence"
	"github.com/emberline-chat/gateway/internal/protocol"
	"github.com/emberline-chat/gateway/internal/replay"
	"github.com/emberline-chat/gateway/internal/session"
	"github.com/emberline-chat/gateway/internal/subscriber"
)

// ioCallTimeout bounds every context-taking collaborator call (Membership, presence) made while handling an inbound
// frame. Token validation takes no context and is not bounded by it.
const ioCallTimeout = 10 * time.Second

// Config carries the dispatcher's own tunables, distinct from conn.Config (spec §6).
type Config struct {
	HeartbeatInterval   time.Duration
	ResumeWindow        time.Duration
	GuildCreateThrottle time.Duration
	ReplayCapacity      int
}

// Dispatcher implements conn.Handler and owns the ServeWebSocket entrypoint (spec §4.G).
type Dispatcher struct {
	cfg        Config
	manager    *manager.Manager
	subscriber *subscriber.Subscriber
	publisher  *bus.Publisher
	validator  auth.TokenValidator
	directory  membership.Directory
	presence   *presence.Store
	log        zerolog.Logger

	mu     sync.Mutex
	conns  map[uuid.UUID]*session.Session
	mirror *replay.Mirror
}

// SetMirror attaches a best-effort Valkey-backed session mirror (spec §3 "Session persistence across detach"). Nil
// by default, meaning detached sessions are only recoverable for as long as this process stays up. Not safe to call
// concurrently with ServeWebSocket; set it once during startup before accepting connections.
func (d *Dispatcher) SetMirror(m *replay.Mirror) {
	d.mirror = m
}

// New constructs a Dispatcher. publisher may be nil, in which case presence changes are applied locally but never
// published cross-instance (useful for tests and single-process deployments without Valkey).
func New(
	cfg Config,
	mgr *manager.Manager,
	sub *subscriber.Subscriber,
	publisher *bus.Publisher,
	validator auth.TokenValidator,
	directory membership.Directory,
	presenceStore *presence.Store,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		manager:    mgr,
		subscriber: sub,
		publisher:  publisher,
		validator:  validator,
		directory:  directory,
		presence:   presenceStore,
		log:        logger.With().Str("component", "dispatcher").Logger(),
		conns:      make(map[uuid.UUID]*session.Session),
	}
}

// ServeWebSocket adopts a freshly upgraded socket: it sends Hello and drives the Connection until the socket closes,
// then detaches any bound Session (spec §4.C, §4.D).
func (d *Dispatcher) ServeWebSocket(socket conn.Socket, connCfg conn.Config) {
	connID := uuid.New()
	c := conn.New(connID, socket, d, connCfg, d.log)

	hello, err := protocol.NewHelloFrame(int(d.cfg.HeartbeatInterval.Milliseconds()))
	if err != nil {
		d.log.Error().Err(err).Msg("failed to build hello frame")
		_ = socket.Close()
		return
	}
	c.Enqueue(hello)

	c.Run()

	d.mu.Lock()
	sess, ok := d.conns[connID]
	delete(d.conns, connID)
	d.mu.Unlock()

	if ok {
		d.handleDisconnect(sess)
	}
}

// Shutdown pushes an unsolicited Reconnect frame to every registered Session, used during controlled process
// shutdown (spec §4.G).
func (d *Dispatcher) Shutdown() {
	for _, sess := range d.manager.Route(protocol.Broadcast()) {
		sess.Reconnect()
	}
}

func (d *Dispatcher) bindConn(connID uuid.UUID, sess *session.Session) {
	d.mu.Lock()
	d.conns[connID] = sess
	d.mu.Unlock()
}

func (d *Dispatcher) sessionForConn(connID uuid.UUID) (*session.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.conns[connID]
	return sess, ok
}

// handleDisconnect detaches the Session and, unless the client resumes within the resume window, deregisters it and
// releases its subscriptions and presence (spec §4.D, §4.E, §4.F).
func (d *Dispatcher) handleDisconnect(sess *session.Session) {
	sess.Detach()
	userID := sess.UserID()
	guilds := sess.Guilds()
	resumeWindow := d.cfg.ResumeWindow

	if d.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ioCallTimeout)
		if err := d.mirror.Save(ctx, sess.ID, userID, sess.Seq()); err != nil {
			d.log.Warn().Err(err).Stringer("session_id", sess.ID).Msg("failed to mirror session on disconnect")
		}
		cancel()
	}

	time.AfterFunc(resumeWindow, func() {
		if !sess.Expired(resumeWindow) {
			return
		}
		d.manager.Deregister(sess.ID)
		for _, g := range guilds {
			d.subscriber.ReleaseGuild(g)
		}
		d.subscriber.ReleaseUser(userID)

		ctx, cancel := context.WithTimeout(context.Background(), ioCallTimeout)
		defer cancel()
		if d.mirror != nil {
			if err := d.mirror.Delete(ctx, sess.ID); err != nil {
				d.log.Warn().Err(err).Stringer("session_id", sess.ID).Msg("failed to delete expired session mirror")
			}
		}
		if err := d.presence.Delete(ctx, userID); err != nil {
			d.log.Warn().Err(err).Stringer("user_id", userID).Msg("failed to clear presence after disconnect")
			return
		}
		d.publishPresence(ctx, userID, presence.StatusOffline)
	})
}

// HandleIdentify implements conn.Handler (spec §4.G Identify).
func (d *Dispatcher) HandleIdentify(c *conn.Connection, data json.RawMessage) error {
	var req protocol.IdentifyData
	if err := json.Unmarshal(data, &req); err != nil {
		return conn.NewCloseError(protocol.CloseDecodeError, "malformed identify payload")
	}

	identity, err := d.validator.Validate(req.Token)
	if err != nil {
		return conn.NewCloseError(protocol.CloseAuthFailed, "invalid token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ioCallTimeout)
	defer cancel()

	guildIDs, err := d.directory.GuildsForUser(ctx, identity.UserID)
	if err != nil {
		d.log.Error().Err(err).Stringer("user_id", identity.UserID).Msg("failed to resolve guilds for identify")
		return conn.NewCloseError(protocol.CloseUnknownError, "internal error")
	}

	status := presence.StatusOnline
	if req.Presence != nil && presence.ValidStatus(*req.Presence) {
		status = *req.Presence
	}

	sess := session.New(uuid.New(), d.cfg.ReplayCapacity)
	sess.Activate(identity.UserID, guildIDs, status, c.ID, c)

	if err := d.manager.Register(sess); err != nil {
		return conn.NewCloseError(protocol.CloseUnknownError, "too many connections")
	}
	d.bindConn(c.ID, sess)
	c.MarkAuthenticated()

	for _, g := range guildIDs {
		d.subscriber.EnsureGuild(g)
	}
	d.subscriber.EnsureUser(identity.UserID)

	ready := protocol.ReadyData{
		SessionID:         sess.ID.String(),
		User:              protocol.UserStub{ID: identity.UserID.String()},
		Guilds:            unavailableGuilds(guildIDs),
		HeartbeatInterval: int(d.cfg.HeartbeatInterval.Milliseconds()),
	}
	payload, err := json.Marshal(ready)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal ready payload")
		return conn.NewCloseError(protocol.CloseUnknownError, "internal error")
	}
	if err := sess.Dispatch(protocol.Ready, payload); err != nil {
		d.log.Error().Err(err).Msg("failed to dispatch ready event")
		return conn.NewCloseError(protocol.CloseUnknownError, "internal error")
	}

	if err := d.presence.Set(ctx, identity.UserID, status); err != nil {
		d.log.Warn().Err(err).Stringer("user_id", identity.UserID).Msg("failed to set initial presence")
	} else {
		d.publishPresence(ctx, identity.UserID, broadcastStatus(status))
	}

	go d.hydrateGuilds(sess, guildIDs)

	d.log.Info().Stringer("user_id", identity.UserID).Stringer("session_id", sess.ID).Msg("session identified")
	return nil
}

// HandleResume implements conn.Handler (spec §4.D, §4.G Resume).
func (d *Dispatcher) HandleResume(c *conn.Connection, data json.RawMessage) error {
	var req protocol.ResumeData
	if err := json.Unmarshal(data, &req); err != nil {
		return conn.NewCloseError(protocol.CloseDecodeError, "malformed resume payload")
	}

	identity, err := d.validator.Validate(req.Token)
	if err != nil {
		return conn.NewCloseError(protocol.CloseAuthFailed, "invalid token")
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		d.sendInvalidSession(c)
		return nil
	}

	sess, ok := d.manager.Get(sessionID)
	if !ok || sess.UserID() != identity.UserID {
		d.sendInvalidSession(c)
		return nil
	}

	result := sess.Resume(req.Seq, c.ID, c)
	if !result.Resumable {
		d.sendInvalidSession(c)
		return nil
	}
	if result.Displaced != nil {
		result.Displaced.Close(protocol.CloseUnknownError, "displaced by resume")
	}

	d.bindConn(c.ID, sess)
	c.MarkAuthenticated()

	for _, frame := range result.Frames {
		c.Enqueue(frame)
	}

	if d.mirror != nil {
		mirrorCtx, mirrorCancel := context.WithTimeout(context.Background(), ioCallTimeout)
		if err := d.mirror.Delete(mirrorCtx, sess.ID); err != nil {
			d.log.Debug().Err(err).Stringer("session_id", sess.ID).Msg("failed to clear session mirror on resume")
		}
		mirrorCancel()
	}

	resumedPayload, err := json.Marshal(struct{}{})
	if err == nil {
		if dErr := sess.Dispatch(protocol.Resumed, resumedPayload); dErr != nil {
			d.log.Warn().Err(dErr).Msg("failed to dispatch resumed event")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ioCallTimeout)
	defer cancel()
	status, err := d.presence.Get(ctx, identity.UserID)
	if err != nil {
		d.log.Debug().Err(err).Msg("failed to read presence on resume")
	}
	if status == presence.StatusOffline {
		if err := d.presence.Set(ctx, identity.UserID, presence.StatusOnline); err == nil {
			d.publishPresence(ctx, identity.UserID, presence.StatusOnline)
		}
	} else if err := d.presence.Refresh(ctx, identity.UserID); err != nil {
		d.log.Debug().Err(err).Msg("failed to refresh presence ttl on resume")
	}

	d.log.Info().Stringer("user_id", identity.UserID).Stringer("session_id", sess.ID).
		Int("replayed", len(result.Frames)).Msg("session resumed")
	return nil
}

// sendInvalidSession pushes an Invalid Session (resumable=false) frame and reopens the Connection for a fresh
// Identify on the same socket.
func (d *Dispatcher) sendInvalidSession(c *conn.Connection) {
	frame, err := protocol.NewInvalidSessionFrame(false)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to build invalid session frame")
		return
	}
	c.Enqueue(frame)
	c.ResetHandshaking()
}

// HandleHeartbeat implements conn.Handler (spec §4.G Heartbeat).
func (d *Dispatcher) HandleHeartbeat(c *conn.Connection, lastSeq *int64) error {
	sess, ok := d.sessionForConn(c.ID)
	if ok {
		if lastSeq != nil && *lastSeq > sess.Seq() {
			return conn.NewCloseError(protocol.CloseInvalidSeq, "client sequence ahead of server")
		}
	}

	ack, err := protocol.NewHeartbeatACKFrame()
	if err != nil {
		return conn.NewCloseError(protocol.CloseUnknownError, "failed to build heartbeat ack")
	}
	c.Enqueue(ack)

	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ioCallTimeout)
	defer cancel()
	if err := d.presence.Refresh(ctx, sess.UserID()); err != nil {
		d.log.Debug().Err(err).Msg("failed to refresh presence ttl on heartbeat")
	}
	return nil
}

// HandlePresenceUpdate implements conn.Handler (spec §4.G Presence Update).
func (d *Dispatcher) HandlePresenceUpdate(c *conn.Connection, data json.RawMessage) error {
	var req protocol.PresenceUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return conn.NewCloseError(protocol.CloseDecodeError, "malformed presence update payload")
	}
	if !presence.ValidStatus(req.Status) {
		return conn.NewCloseError(protocol.CloseDecodeError, "invalid presence status")
	}

	sess, ok := d.sessionForConn(c.ID)
	if !ok {
		return conn.NewCloseError(protocol.CloseNotAuthenticated, "not identified")
	}
	sess.SetPresence(req.Status)

	ctx, cancel := context.WithTimeout(context.Background(), ioCallTimeout)
	defer cancel()
	if err := d.presence.Set(ctx, sess.UserID(), req.Status); err != nil {
		d.log.Warn().Err(err).Msg("failed to persist presence update")
	}
	d.publishPresence(ctx, sess.UserID(), broadcastStatus(req.Status))
	return nil
}

// publishPresence applies a presence change locally (excluding the author from each guild's fan-out, per spec
// §4.G) and, when a bus Publisher is configured, also publishes it for other Gateway instances to fan out.
func (d *Dispatcher) publishPresence(ctx context.Context, userID uuid.UUID, status string) {
	payload, err := json.Marshal(protocol.PresenceUpdateData{UserID: userID.String(), Status: status})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal presence update payload")
		return
	}

	guildIDs, err := d.directory.GuildsForUser(ctx, userID)
	if err != nil {
		d.log.Warn().Err(err).Stringer("user_id", userID).Msg("failed to resolve guilds for presence fan-out")
		guildIDs = nil
	}

	for _, g := range guildIDs {
		d.dispatchLocal(d.manager.Route(protocol.GuildExcludeUser(g, userID)), payload)
		if d.publisher != nil {
			if err := d.publisher.Publish(ctx, protocol.Guild(g), protocol.PresenceUpdateEvent, payload); err != nil {
				d.log.Warn().Err(err).Msg("failed to publish presence update")
			}
		}
	}
	d.dispatchLocal(d.manager.Route(protocol.User(userID)), payload)
}

func (d *Dispatcher) dispatchLocal(sessions []*session.Session, payload json.RawMessage) {
	for _, s := range sessions {
		if err := s.Dispatch(protocol.PresenceUpdateEvent, payload); err != nil {
			d.log.Warn().Err(err).Msg("failed to dispatch presence update to session")
		}
	}
}

// hydrateGuilds sends a throttled GUILD_CREATE per guild after READY (spec §4.G "throttled: default 1 event per 100
// ms per session to avoid hydration bursts"). It stops early if the Session stopped being Active.
func (d *Dispatcher) hydrateGuilds(sess *session.Session, guildIDs []uuid.UUID) {
	if len(guildIDs) == 0 {
		return
	}

	throttle := d.cfg.GuildCreateThrottle
	if throttle <= 0 {
		throttle = 100 * time.Millisecond
	}
	ticker := time.NewTicker(throttle)
	defer ticker.Stop()

	for i, g := range guildIDs {
		if sess.State() != session.StateActive {
			return
		}
		payload, err := json.Marshal(struct {
			ID string `json:"id"`
		}{ID: g.String()})
		if err != nil {
			d.log.Error().Err(err).Msg("failed to marshal guild create payload")
			continue
		}
		if err := sess.Dispatch(protocol.GuildCreate, payload); err != nil {
			d.log.Warn().Err(err).Msg("failed to dispatch guild create")
		}
		if i < len(guildIDs)-1 {
			<-ticker.C
		}
	}
}

func unavailableGuilds(ids []uuid.UUID) []protocol.UnavailableGuild {
	out := make([]protocol.UnavailableGuild, len(ids))
	for i, id := range ids {
		out[i] = protocol.UnavailableGuild{ID: id.String(), Unavailable: true}
	}
	return out
}

func broadcastStatus(status string) string {
	if status == presence.StatusInvisible {
		return presence.StatusOffline
	}
	return status
}

var _ conn.Handler = (*Dispatcher)(nil)
