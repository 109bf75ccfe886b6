// Package stream connects the engine to NATS JetStream: publishing trade
// and order events outbound, and consuming wallet funding events inbound.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"MatchLedger/internal/event"
)

// Publisher drains the publish channel and writes each event to its
// JetStream subject. Publish failures are non-fatal: consumers that miss
// events re-read from Postgres, which is the authoritative record.
type Publisher struct {
	js    jetstream.JetStream
	input <-chan event.Outbound
	log   zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan event.Outbound, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:    js,
		input: input,
		log:   log,
	}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				p.log.Warn().Err(err).Str("subject", out.Subject).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out event.Outbound) error {
	data, err := json.Marshal(out.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = p.js.Publish(ctx, out.Subject, data)
	return err
}

// EnsureStreams creates the JetStream streams this service publishes to
// and consumes from. Streams use FileStorage with a 72h retention window.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "EXCHANGE_TRADES",
			Subjects:  []string{"exchange.trades.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "EXCHANGE_ORDERS",
			Subjects:  []string{"exchange.orders.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "EXCHANGE_FUNDING",
			Subjects:  []string{"exchange.deposits.>", "exchange.withdrawals.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
