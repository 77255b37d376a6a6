// Package subscriber implements the Pub/Sub Subscriber (spec §4.F): the single process-wide consumer of the
// cross-instance event bus. It aggregates the channel set from live Sessions' subscriptions, reconnects with
// exponential backoff on bus failure, and demultiplexes received envelopes to the Connection Manager for routing.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/emberline-chat/gateway/internal/protocol"
	"github.com/emberline-chat/gateway/internal/session"
)

const (
	broadcastChannel = "chat:broadcast"
	userPrefix       = "chat:user:"
	guildPrefix      = "chat:guild:"

	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2
)

func userChannel(id uuid.UUID) string  { return userPrefix + id.String() }
func guildChannel(id uuid.UUID) string { return guildPrefix + id.String() }

func parseChannel(name string) (protocol.Target, bool) {
	switch {
	case name == broadcastChannel:
		return protocol.Broadcast(), true
	case strings.HasPrefix(name, userPrefix):
		id, err := uuid.Parse(strings.TrimPrefix(name, userPrefix))
		if err != nil {
			return protocol.Target{}, false
		}
		return protocol.User(id), true
	case strings.HasPrefix(name, guildPrefix):
		id, err := uuid.Parse(strings.TrimPrefix(name, guildPrefix))
		if err != nil {
			return protocol.Target{}, false
		}
		return protocol.Guild(id), true
	default:
		return protocol.Target{}, false
	}
}

// envelope is the wire shape published by the REST tier (spec §6 "Pub/Sub wire format").
type envelope struct {
	EventType protocol.DispatchEvent `json:"event_type"`
	Data      json.RawMessage        `json:"data"`
}

// Router resolves a Target to the Sessions currently registered against it, and keeps a session's own guild index
// current when its membership changes underneath it. *manager.Manager satisfies this.
type Router interface {
	Route(target protocol.Target) []*session.Session
	SubscribeGuild(sessionID, guildID uuid.UUID)
	UnsubscribeGuild(sessionID, guildID uuid.UUID)
}

// MembershipChecker optionally re-verifies a user's guild membership before the Subscriber trusts a user-scoped
// GUILD_CREATE event to expand that user's fan-out subscriptions. membership.Directory satisfies this; left unset,
// GUILD_CREATE/GUILD_DELETE events are trusted as published.
type MembershipChecker interface {
	UserInGuild(ctx context.Context, userID, guildID uuid.UUID) (bool, error)
}

const membershipCheckTimeout = 5 * time.Second

// PubSub is the subset of *redis.PubSub the Subscriber needs; satisfied directly by go-redis's own type.
type PubSub interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// Bus creates a fresh subscription to the given channels. redisBus adapts *redis.Client to this interface; tests use
// a fake that needs no live Redis server.
type Bus interface {
	Subscribe(ctx context.Context, channels ...string) PubSub
}

// Subscriber aggregates channel interest from live guild/user subscriptions and demultiplexes bus events to a
// Router. The zero value is not usable; construct with New.
type Subscriber struct {
	bus    Bus
	router Router
	decay  time.Duration
	log    zerolog.Logger

	membership MembershipChecker

	mu          sync.Mutex
	guildRefs   map[uuid.UUID]int
	userRefs    map[uuid.UUID]int
	active      map[string]struct{}
	decayTimers map[string]*time.Timer
	ps          PubSub
}

// SetMembershipChecker attaches an optional Membership collaborator used to double-check a user's membership
// before a pub/sub GUILD_CREATE event is allowed to expand that session's guild subscriptions. Not safe to call
// concurrently with Run.
func (s *Subscriber) SetMembershipChecker(m MembershipChecker) {
	s.membership = m
}

// New constructs a Subscriber. decay is the lazy-unsubscribe grace period for channels with no remaining interest
// (spec §4.F, default 30s).
func New(bus Bus, router Router, decay time.Duration, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		bus:         bus,
		router:      router,
		decay:       decay,
		log:         logger.With().Str("component", "subscriber").Logger(),
		guildRefs:   make(map[uuid.UUID]int),
		userRefs:    make(map[uuid.UUID]int),
		active:      map[string]struct{}{broadcastChannel: {}},
		decayTimers: make(map[string]*time.Timer),
	}
}

// EnsureGuild registers interest in a guild's channel, cancelling any pending decay and subscribing immediately if
// this is the first interested Session.
func (s *Subscriber) EnsureGuild(guildID uuid.UUID) {
	s.ensure(s.guildRefs, guildID, guildChannel(guildID))
}

// ReleaseGuild drops interest in a guild's channel. The channel is unsubscribed only after the decay window elapses
// with no intervening EnsureGuild call (spec §4.F).
func (s *Subscriber) ReleaseGuild(guildID uuid.UUID) {
	s.release(s.guildRefs, guildID, guildChannel(guildID))
}

// EnsureUser registers interest in a user's channel (one per authenticated Session for that user).
func (s *Subscriber) EnsureUser(userID uuid.UUID) {
	s.ensure(s.userRefs, userID, userChannel(userID))
}

// ReleaseUser drops interest in a user's channel.
func (s *Subscriber) ReleaseUser(userID uuid.UUID) {
	s.release(s.userRefs, userID, userChannel(userID))
}

func (s *Subscriber) ensure(refs map[uuid.UUID]int, key uuid.UUID, channel string) {
	s.mu.Lock()
	if t, ok := s.decayTimers[channel]; ok {
		t.Stop()
		delete(s.decayTimers, channel)
	}
	refs[key]++
	first := refs[key] == 1
	s.mu.Unlock()

	if first {
		s.addChannel(channel)
	}
}

func (s *Subscriber) release(refs map[uuid.UUID]int, key uuid.UUID, channel string) {
	s.mu.Lock()
	refs[key]--
	last := refs[key] <= 0
	if last {
		delete(refs, key)
	}
	s.mu.Unlock()

	if !last {
		return
	}

	s.mu.Lock()
	s.decayTimers[channel] = time.AfterFunc(s.decay, func() {
		s.mu.Lock()
		delete(s.decayTimers, channel)
		s.mu.Unlock()
		s.removeChannel(channel)
	})
	s.mu.Unlock()
}

func (s *Subscriber) addChannel(channel string) {
	s.mu.Lock()
	s.active[channel] = struct{}{}
	ps := s.ps
	s.mu.Unlock()

	if ps == nil {
		return
	}
	if err := ps.Subscribe(context.Background(), channel); err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("subscribe failed, will retry on next reconnect")
	}
}

func (s *Subscriber) removeChannel(channel string) {
	s.mu.Lock()
	delete(s.active, channel)
	ps := s.ps
	s.mu.Unlock()

	if ps == nil {
		return
	}
	if err := ps.Unsubscribe(context.Background(), channel); err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("unsubscribe failed")
	}
}

func (s *Subscriber) snapshotChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for c := range s.active {
		out = append(out, c)
	}
	return out
}

// Run subscribes to every currently active channel and processes messages until ctx is cancelled, reconnecting with
// exponential backoff (initial 500ms, factor 2, cap 30s) on bus failure (spec §4.F). Events that arrive during an
// outage are not recovered.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := s.runOnce(ctx)
		if err == nil {
			return nil
		}
		if connected {
			backoff = initialBackoff
		}

		s.log.Warn().Err(err).Dur("backoff", backoff).Msg("pub/sub connection lost, reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= backoffFactor
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce runs a single subscribe-and-receive cycle. It returns (true, err) once at least one message has been
// successfully processed, so the caller can distinguish a healthy connection that later dropped from a connection
// that never came up (which should keep backing off rather than resetting).
func (s *Subscriber) runOnce(ctx context.Context) (bool, error) {
	channels := s.snapshotChannels()
	ps := s.bus.Subscribe(ctx, channels...)

	s.mu.Lock()
	s.ps = ps
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ps = nil
		s.mu.Unlock()
		_ = ps.Close()
	}()

	ch := ps.Channel()
	connected := false
	for {
		select {
		case <-ctx.Done():
			return connected, nil
		case msg, ok := <-ch:
			if !ok {
				return connected, errors.New("pub/sub channel closed")
			}
			s.handleMessage(msg.Channel, msg.Payload)
			connected = true
		}
	}
}

func (s *Subscriber) handleMessage(channel, payload string) {
	target, ok := parseChannel(channel)
	if !ok {
		s.log.Warn().Str("channel", channel).Msg("received message on unrecognised channel")
		return
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("malformed pub/sub envelope")
		return
	}

	sessions := s.router.Route(target)
	for _, sess := range sessions {
		if err := sess.Dispatch(env.EventType, env.Data); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("dispatch from pub/sub failed")
		}
	}

	if target.Kind == protocol.TargetUser {
		s.syncGuildSubscription(target.UserID, env, sessions)
	}
}

// syncGuildSubscription keeps a session's guild index, and this Subscriber's own channel interest, current when a
// user's own guild membership changes underneath an established connection: GUILD_CREATE (the user joined a guild)
// expands fan-out, GUILD_DELETE (the user left, or was removed from, a guild) contracts it.
func (s *Subscriber) syncGuildSubscription(userID uuid.UUID, env envelope, sessions []*session.Session) {
	if env.EventType != protocol.GuildCreate && env.EventType != protocol.GuildDelete {
		return
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil {
		s.log.Warn().Err(err).Msg("malformed guild membership change payload")
		return
	}
	guildID, err := uuid.Parse(body.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("guild_id", body.ID).Msg("malformed guild id in membership change payload")
		return
	}

	if env.EventType == protocol.GuildCreate && s.membership != nil {
		ctx, cancel := context.WithTimeout(context.Background(), membershipCheckTimeout)
		member, err := s.membership.UserInGuild(ctx, userID, guildID)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to verify guild membership before subscribing")
			return
		}
		if !member {
			s.log.Warn().Stringer("user_id", userID).Stringer("guild_id", guildID).
				Msg("ignoring guild create for a user not on record as a member")
			return
		}
	}

	for _, sess := range sessions {
		switch env.EventType {
		case protocol.GuildCreate:
			s.router.SubscribeGuild(sess.ID, guildID)
			s.EnsureGuild(guildID)
		case protocol.GuildDelete:
			s.router.UnsubscribeGuild(sess.ID, guildID)
			s.ReleaseGuild(guildID)
		}
	}
}

// redisBus adapts *redis.Client to the Bus interface.
type redisBus struct {
	client *redis.Client
}

// NewRedisBus wraps a go-redis client as a Bus.
func NewRedisBus(client *redis.Client) Bus {
	return redisBus{client: client}
}

func (b redisBus) Subscribe(ctx context.Context, channels ...string) PubSub {
	return b.client.Subscribe(ctx, channels...)
}
