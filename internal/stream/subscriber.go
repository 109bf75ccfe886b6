package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"MatchLedger/internal/event"
)

const (
	depositSubject    = "exchange.deposits.confirmed"
	withdrawalSubject = "exchange.withdrawals.requested"

	consumerAckWait    = 30 * time.Second
	consumerMaxDeliver = 5
)

// FundingApplier is what the subscriber needs from the engine.
type FundingApplier interface {
	ApplyDeposit(depositID, userID uuid.UUID, asset string, amount int64) error
	ApplyWithdrawal(withdrawalID, userID uuid.UUID, asset string, amount int64) error
}

// FundingSubscriber consumes wallet events from JetStream and applies them
// to the ledger. Application is idempotent on the event id, so at-least-once
// delivery is safe.
type FundingSubscriber struct {
	js      jetstream.JetStream
	applier FundingApplier
	log     zerolog.Logger

	consumeCtxs []jetstream.ConsumeContext
}

func NewFundingSubscriber(js jetstream.JetStream, applier FundingApplier, log zerolog.Logger) *FundingSubscriber {
	return &FundingSubscriber{
		js:      js,
		applier: applier,
		log:     log,
	}
}

// Start creates durable consumers for the deposit and withdrawal subjects
// and begins consuming. Call Stop to drain.
func (s *FundingSubscriber) Start(ctx context.Context) error {
	subjects := []struct {
		durable string
		subject string
		handle  func(jetstream.Msg) error
	}{
		{"matchledger-deposits", depositSubject, s.handleDeposit},
		{"matchledger-withdrawals", withdrawalSubject, s.handleWithdrawal},
	}

	for _, sub := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, "EXCHANGE_FUNDING", jetstream.ConsumerConfig{
			Durable:       sub.durable,
			FilterSubject: sub.subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       consumerAckWait,
			MaxDeliver:    consumerMaxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", sub.durable, err)
		}

		handle := sub.handle
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			if err := handle(msg); err != nil {
				s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("funding event failed, redelivering")
				if nakErr := msg.Nak(); nakErr != nil {
					s.log.Error().Err(nakErr).Msg("nak failed")
				}
				return
			}
			if ackErr := msg.Ack(); ackErr != nil {
				s.log.Error().Err(ackErr).Msg("ack failed")
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", sub.durable, err)
		}
		s.consumeCtxs = append(s.consumeCtxs, cc)
	}

	s.log.Info().Msg("funding subscriber started")
	return nil
}

// Stop halts consumption. In-flight messages finish or redeliver.
func (s *FundingSubscriber) Stop() {
	for _, cc := range s.consumeCtxs {
		cc.Stop()
	}
}

func (s *FundingSubscriber) handleDeposit(msg jetstream.Msg) error {
	var ev event.DepositConfirmed
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		// Malformed payloads never become valid; drop instead of redelivering.
		s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("undecodable deposit event dropped")
		return nil
	}
	if err := s.applier.ApplyDeposit(ev.DepositID, ev.UserID, ev.Asset, ev.Amount); err != nil {
		// Rejections are terminal verdicts, not transport failures.
		s.log.Warn().Err(err).
			Str("deposit_id", ev.DepositID.String()).
			Str("asset", ev.Asset).
			Msg("deposit not applied")
	}
	return nil
}

func (s *FundingSubscriber) handleWithdrawal(msg jetstream.Msg) error {
	var ev event.WithdrawalRequested
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("undecodable withdrawal event dropped")
		return nil
	}
	if err := s.applier.ApplyWithdrawal(ev.WithdrawalID, ev.UserID, ev.Asset, ev.Amount); err != nil {
		// Includes insufficient available balance: the request is refused,
		// not retried. The wallet side observes the missing withdrawal row.
		s.log.Warn().Err(err).
			Str("withdrawal_id", ev.WithdrawalID.String()).
			Str("asset", ev.Asset).
			Msg("withdrawal refused")
	}
	return nil
}
