package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fintrack/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultJournalPoll = 2 * time.Second

// Journal stores events where every process opening the same outbox can read them.
type Journal interface {
	AppendEvent(ctx context.Context, eventType string, data []byte) (int64, error)
	EventsAfter(ctx context.Context, seq int64) ([]models.JournalEntry, error)
	LastEventSeq(ctx context.Context) (int64, error)
}

// JournalBroadcaster shares events through the outbox database when no Redis
// is available. Broadcast delivers locally at once; other processes see the
// event on their next poll.
type JournalBroadcaster struct {
	journal  Journal
	bus      *EventBus
	source   string
	interval time.Duration
	logger   *zerolog.Logger
}

func NewJournalBroadcaster(journal Journal, bus *EventBus, interval time.Duration, logger *zerolog.Logger) *JournalBroadcaster {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if interval <= 0 {
		interval = defaultJournalPoll
	}
	return &JournalBroadcaster{
		journal:  journal,
		bus:      bus,
		source:   uuid.NewString(),
		interval: interval,
		logger:   logger,
	}
}

// Broadcast records the event in the journal and publishes it on the local bus.
func (b *JournalBroadcaster) Broadcast(ctx context.Context, eventType string, payload any) error {
	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	event.Source = b.source
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := b.journal.AppendEvent(ctx, eventType, data); err != nil {
		return fmt.Errorf("broadcast %s: %w", eventType, err)
	}
	if b.bus != nil {
		b.bus.Publish(&event)
	}
	return nil
}

// Listen polls the journal and relays events written by other processes into
// the local bus until the returned stop function is called or ctx ends. Only
// events recorded after Listen returns are relayed.
func (b *JournalBroadcaster) Listen(ctx context.Context) (func(), error) {
	if b.bus == nil {
		return nil, errors.New("events: listen without a bus")
	}
	last, err := b.journal.LastEventSeq(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.poll(ctx, last)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	return stop, nil
}

func (b *JournalBroadcaster) poll(ctx context.Context, last int64) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entries, err := b.journal.EventsAfter(ctx, last)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn().Err(err).Msg("Failed to read event journal")
			}
			continue
		}
		for _, entry := range entries {
			last = entry.Seq
			var event Event
			if err := json.Unmarshal(entry.Data, &event); err != nil {
				b.logger.Warn().Err(err).Int64("seq", entry.Seq).Msg("Dropping malformed journal entry")
				continue
			}
			if event.Source == b.source {
				continue
			}
			b.logger.Debug().Str("event", event.Type).Str("source", event.Source).Msg("Relaying journal event")
			b.bus.Publish(&event)
		}
	}
}
