package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "meetai:calls:"

// RedisBroker publishes events over Redis pub/sub so every API instance's Hub
// receives them, whichever instance produced the event.
type RedisBroker struct {
	rdb *redis.Client
	hub *Hub
	log *slog.Logger
}

func NewRedisBroker(rdb *redis.Client, hub *Hub, log *slog.Logger) *RedisBroker {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroker{rdb: rdb, hub: hub, log: log.With("component", "events_broker")}
}

func channelFor(callID string) string {
	return channelPrefix + callID
}

func (b *RedisBroker) Publish(ctx context.Context, e Event) error {
	payload, err := Encode(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelFor(e.CallID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run relays every call channel into the local hub until ctx is cancelled.
func (b *RedisBroker) Run(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	// Wait for the subscription to be confirmed so publishes right after start are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.log.Info("event relay started")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("dropping malformed event", "channel", msg.Channel, "err", err)
				continue
			}
			if e.CallID == "" {
				e.CallID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			_ = b.hub.Publish(ctx, e)
		}
	}
}
