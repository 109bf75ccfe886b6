package engine

import (
	"MatchLedger/internal/event"
	"MatchLedger/internal/ledger"
	"MatchLedger/internal/observability"
	"MatchLedger/internal/order"
	"MatchLedger/internal/persistence"
)

// Sink is the engine's outbound edge. Persistence sends BLOCK: if the
// persistence worker falls behind, matching stalls rather than losing a
// write. Publish sends DROP when the feed channel is full; the database
// is the authoritative record and consumers re-read from it on gaps.
type Sink struct {
	persistCh chan<- persistence.Item
	publishCh chan event.Outbound
	metrics   *observability.Metrics
}

func NewSink(persistCh chan<- persistence.Item, publishCh chan event.Outbound, m *observability.Metrics) *Sink {
	return &Sink{
		persistCh: persistCh,
		publishCh: publishCh,
		metrics:   m,
	}
}

// PersistOrder snapshots the order and queues it for upsert. The copy
// matters: the worker keeps mutating the live record after this returns.
func (s *Sink) PersistOrder(o *order.Order) {
	cp := *o
	s.persistCh <- persistence.Item{Order: &cp}
}

func (s *Sink) PersistTrade(t *order.Trade) {
	s.persistCh <- persistence.Item{Trade: t}
}

func (s *Sink) PersistBatch(b *ledger.Batch) {
	s.persistCh <- persistence.Item{Batch: b}
}

func (s *Sink) PersistDeposit(row *persistence.FundingRow) {
	s.persistCh <- persistence.Item{Deposit: row}
}

func (s *Sink) PersistWithdrawal(row *persistence.FundingRow) {
	s.persistCh <- persistence.Item{Withdrawal: row}
}

// PublishTrade queues a trade event for the NATS publisher, dropping it
// if the channel is full.
func (s *Sink) PublishTrade(ev *event.TradeEvent) {
	s.publish(event.TradeSubject(ev.Symbol), ev)
}

// PublishOrder queues an order status update for the NATS publisher.
func (s *Sink) PublishOrder(o *order.Order) {
	s.publish(event.OrderSubject(o.Symbol), &event.OrderEvent{
		OrderID:        o.ID,
		UserID:         o.UserID,
		Symbol:         o.Symbol,
		Status:         o.Status.String(),
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		Commission:     o.Commission,
		Timestamp:      o.UpdatedAt,
	})
}

func (s *Sink) publish(subject string, payload interface{}) {
	select {
	case s.publishCh <- event.Outbound{Subject: subject, Payload: payload}:
	default:
		s.metrics.PublishDrops.Inc()
	}
}
