package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PriceTick is the wire format published by the oracle relay on
// cauldron.oracle.prices.{feed}.
type PriceTick struct {
	Feed     string `json:"feed"`
	Mantissa uint64 `json:"mantissa"`
	Scale    uint32 `json:"scale"`
	Slot     uint64 `json:"slot"`
}

// NATSFeed consumes oracle price ticks from JetStream and serves the
// latest observation per feed. SlotsSinceUpdate is the gap between the
// newest slot seen on any feed and the slot of the returned tick, so a
// feed that stops ticking goes stale naturally.
type NATSFeed struct {
	js        jetstream.JetStream
	mu        sync.RWMutex
	latest    map[string]PriceTick
	headSlot  uint64
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewNATSFeed(js jetstream.JetStream, log zerolog.Logger) *NATSFeed {
	return &NATSFeed{
		js:     js,
		latest: make(map[string]PriceTick),
		log:    log,
	}
}

// EnsurePriceStream creates the oracle tick stream.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CAULDRON_ORACLE_PRICES",
		Subjects:  []string{"cauldron.oracle.prices.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create oracle stream: %w", err)
	}
	return nil
}

// Subscribe starts consuming ticks. New deliveries only: replaying stale
// prices on restart would defeat the staleness check.
func (f *NATSFeed) Subscribe(ctx context.Context) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, "CAULDRON_ORACLE_PRICES", jetstream.ConsumerConfig{
		Durable:       "cauldron-oracle",
		FilterSubject: "cauldron.oracle.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create oracle consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var tick PriceTick
		if err := json.Unmarshal(msg.Data(), &tick); err != nil {
			f.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("bad price tick")
			msg.Ack()
			return
		}
		if tick.Mantissa == 0 || tick.Feed == "" {
			f.log.Warn().Str("feed", tick.Feed).Msg("dropping invalid price tick")
			msg.Ack()
			return
		}

		f.mu.Lock()
		if prev, ok := f.latest[tick.Feed]; !ok || tick.Slot >= prev.Slot {
			f.latest[tick.Feed] = tick
		}
		if tick.Slot > f.headSlot {
			f.headSlot = tick.Slot
		}
		f.mu.Unlock()
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume oracle ticks: %w", err)
	}

	f.consumers = append(f.consumers, cc)
	f.log.Info().Msg("oracle price feed subscribed")
	return nil
}

// Read returns the latest price for a feed.
func (f *NATSFeed) Read(_ context.Context, feedID string) (Price, error) {
	f.mu.RLock()
	tick, ok := f.latest[feedID]
	head := f.headSlot
	f.mu.RUnlock()

	if !ok {
		return Price{}, fmt.Errorf("feed %s: %w", feedID, ErrUnknownFeed)
	}
	return Price{
		Mantissa:         tick.Mantissa,
		Scale:            tick.Scale,
		SlotsSinceUpdate: head - tick.Slot,
	}, nil
}

// Stop halts the consumers.
func (f *NATSFeed) Stop() {
	for _, cc := range f.consumers {
		cc.Stop()
	}
}
