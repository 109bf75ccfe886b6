package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"MatchLedger/internal/ledger"
	"MatchLedger/internal/observability"
	"MatchLedger/internal/order"
)

// Worker drains the persist channel and batch-writes to Postgres. The
// channel uses BLOCKING sends from the engine, so if this worker falls
// behind, matching stalls. No write is lost while the process is up.
type Worker struct {
	writer       *LedgerWriter
	input        <-chan Item
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

type flushBuffers struct {
	orders      []*order.Order
	trades      []*order.Trade
	batches     []*ledger.Batch
	deposits    []*FundingRow
	withdrawals []*FundingRow
}

func (b *flushBuffers) add(item Item) {
	switch {
	case item.Order != nil:
		b.orders = append(b.orders, item.Order)
	case item.Trade != nil:
		b.trades = append(b.trades, item.Trade)
	case item.Batch != nil:
		b.batches = append(b.batches, item.Batch)
	case item.Deposit != nil:
		b.deposits = append(b.deposits, item.Deposit)
	case item.Withdrawal != nil:
		b.withdrawals = append(b.withdrawals, item.Withdrawal)
	}
}

func (b *flushBuffers) size() int {
	return len(b.orders) + len(b.trades) + len(b.batches) +
		len(b.deposits) + len(b.withdrawals)
}

func (b *flushBuffers) reset() {
	b.orders = b.orders[:0]
	b.trades = b.trades[:0]
	b.batches = b.batches[:0]
	b.deposits = b.deposits[:0]
	b.withdrawals = b.withdrawals[:0]
}

func NewWorker(db *sql.DB, input <-chan Item, batchSize int, flushTimeout time.Duration, m *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		writer:       NewLedgerWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      m,
		log:          log,
	}
}

// Run batches incoming items and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes; a final flush runs on the way out.
func (w *Worker) Run(ctx context.Context) error {
	var buf flushBuffers
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if buf.size() > 0 {
				if err := w.flush(context.Background(), &buf); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case item, ok := <-w.input:
			if !ok {
				if buf.size() > 0 {
					if err := w.flush(context.Background(), &buf); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}
			buf.add(item)
			if buf.size() >= w.batchSize {
				w.flushWithRetry(ctx, &buf)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if buf.size() > 0 {
				w.flushWithRetry(ctx, &buf)
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// a batch: it retries until the write commits or ctx is cancelled, in
// which case it attempts one last flush before giving up.
func (w *Worker) flushWithRetry(ctx context.Context, buf *flushBuffers) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("items", buf.size()).
				Msg("persistence retry")
			w.metrics.PersistRetry.Inc()

			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), buf); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, buf); err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return
		}
	}
}

// flush writes everything in one transaction: order snapshots, trades,
// journal legs, the balances projection, and funding audit rows.
func (w *Worker) flush(ctx context.Context, buf *flushBuffers) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteOrders(ctx, tx, buf.orders); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_orders").Inc()
		return err
	}
	if err := w.writer.WriteTrades(ctx, tx, buf.trades); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_trades").Inc()
		return err
	}
	if err := w.writer.WriteJournals(ctx, tx, buf.batches); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_journals").Inc()
		return err
	}
	if err := w.writer.ApplyBalanceDeltas(ctx, tx, buf.batches); err != nil {
		w.metrics.PersistErrors.WithLabelValues("apply_balances").Inc()
		return err
	}
	if err := w.writer.WriteFunding(ctx, tx, "deposits", buf.deposits); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_deposits").Inc()
		return err
	}
	if err := w.writer.WriteFunding(ctx, tx, "withdrawals", buf.withdrawals); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_withdrawals").Inc()
		return err
	}

	if err := tx.Commit(); err != nil {
		w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		return err
	}

	w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	w.metrics.PersistBatchSize.Observe(float64(buf.size()))
	w.metrics.PersistRowsWritten.WithLabelValues("orders").Add(float64(len(buf.orders)))
	w.metrics.PersistRowsWritten.WithLabelValues("trades").Add(float64(len(buf.trades)))
	w.metrics.PersistRowsWritten.WithLabelValues("journal").Add(float64(journalCount(buf.batches)))

	buf.reset()
	return nil
}

func journalCount(batches []*ledger.Batch) int {
	var n int
	for _, b := range batches {
		n += len(b.Journals)
	}
	return n
}
