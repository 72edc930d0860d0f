package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"CauldronLedger/internal/event"
)

// Publisher streams applied events to NATS for downstream consumers.
// Publishing is best-effort and happens after the event is already in
// the log; a consumer that misses messages replays from Postgres.
// Subjects follow cauldron.ledger.events.{event_type}[.{market_id}].
type Publisher struct {
	js    jetstream.JetStream
	input <-chan *event.Envelope
	log   zerolog.Logger
}

// OutboundEvent is the wire shape published to NATS.
type OutboundEvent struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	MarketID  *string         `json:"market_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	StateHash []byte          `json:"state_hash"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewPublisher(js jetstream.JetStream, input <-chan *event.Envelope, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, input: input, log: log}
}

// Run publishes until ctx is cancelled or the input closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().
					Err(err).
					Int64("sequence", env.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env *event.Envelope) error {
	out := OutboundEvent{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		MarketID:  env.MarketID,
		Payload:   env.Payload,
		StateHash: env.StateHash[:],
		Timestamp: env.Timestamp,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outbound event: %w", err)
	}

	subject := "cauldron.ledger.events." + out.EventType
	if env.MarketID != nil {
		subject += "." + *env.MarketID
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates or updates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CAULDRON_LEDGER_EVENTS",
		Subjects:  []string{"cauldron.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
