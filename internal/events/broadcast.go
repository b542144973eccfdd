package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Broadcaster delivers an event to every running instance of the application.
type Broadcaster interface {
	Broadcast(ctx context.Context, eventType string, payload any) error
}

// LocalBroadcaster delivers events to the in-process bus only.
type LocalBroadcaster struct {
	bus *EventBus
}

func NewLocalBroadcaster(bus *EventBus) *LocalBroadcaster {
	return &LocalBroadcaster{bus: bus}
}

func (b *LocalBroadcaster) Broadcast(_ context.Context, eventType string, payload any) error {
	return b.bus.PublishJSON(eventType, payload)
}

// RedisBroadcaster fans events out over a Redis pub/sub channel. Every
// instance that called Listen relays them into its local bus.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	bus     *EventBus
	source  string
	logger  *zerolog.Logger
}

func NewRedisBroadcaster(client *redis.Client, channel string, bus *EventBus, logger *zerolog.Logger) *RedisBroadcaster {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		bus:     bus,
		source:  uuid.NewString(),
		logger:  logger,
	}
}

// Broadcast publishes the event on the shared channel.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, eventType string, payload any) error {
	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	event.Source = b.source

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("broadcast %s: %w", eventType, err)
	}
	return nil
}

// Listen subscribes to the channel and relays events into the local bus
// until the returned stop function is called or ctx ends.
func (b *RedisBroadcaster) Listen(ctx context.Context) (func(), error) {
	if b.bus == nil {
		return nil, errors.New("events: listen without a bus")
	}

	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.relay(ctx, sub.Channel())
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			sub.Close()
			wg.Wait()
		})
	}
	return stop, nil
}

func (b *RedisBroadcaster) relay(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed broadcast")
				continue
			}
			b.logger.Debug().Str("event", event.Type).Str("source", event.Source).Msg("Relaying broadcast")
			b.bus.Publish(&event)
		}
	}
}
