// Package bus implements the publishing side of the cross-instance event bus (spec §6 "Pub/Sub wire format"): it
// serialises a dispatch event to the fixed {event_type, data} envelope and publishes it to the channel naming scheme
// the Subscriber consumes (spec §4.F). It is the Gateway's own counterpart to the REST tier's publish path, used
// here only for events the Gateway itself originates (Presence Update).
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/emberline-chat/gateway/internal/protocol"
)

const (
	broadcastChannel = "chat:broadcast"
	userPrefix       = "chat:user:"
	guildPrefix      = "chat:guild:"
)

// envelope mirrors the Subscriber's wire shape exactly; the two must never drift independently since the channel
// contract is external and non-configurable.
type envelope struct {
	EventType protocol.DispatchEvent `json:"event_type"`
	Data      json.RawMessage        `json:"data"`
}

// Publisher publishes dispatch events onto the shared Valkey pub/sub channels for every Subscriber (including this
// process's own) to consume.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a Publisher bound to the given Valkey client.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger.With().Str("component", "bus").Logger()}
}

// Publish serialises data as the event's payload and publishes it to every channel the target maps to. A
// GuildExcludeUser target publishes to the plain guild channel: the exclusion only applies to this process's own
// local fan-out (the caller is expected to route locally via the Connection Manager before calling Publish), since
// the channel contract carries no per-message exclusion metadata.
func (p *Publisher) Publish(ctx context.Context, target protocol.Target, eventType protocol.DispatchEvent, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	raw, err := json.Marshal(envelope{EventType: eventType, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	for _, channel := range channelsFor(target) {
		if err := p.rdb.Publish(ctx, channel, raw).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", channel, err)
		}
	}
	return nil
}

func channelsFor(target protocol.Target) []string {
	switch target.Kind {
	case protocol.TargetBroadcast:
		return []string{broadcastChannel}
	case protocol.TargetUser:
		return []string{userPrefix + target.UserID.String()}
	case protocol.TargetGuild, protocol.TargetGuildExcludeUser:
		return []string{guildPrefix + target.GuildID.String()}
	default:
		return nil
	}
}
