package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for ledger operations.
var (
	// ErrInsufficientBalance: available funds do not cover the requested
	// reservation or withdrawal. Recoverable: the order is rejected.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvariantViolation: locked funds do not cover a release or a
	// settlement leg. This must never happen with correct callers; it is
	// fatal for the affected matching stream.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// Balance is the externally visible view of one (user, asset) pair
type Balance struct {
	Available int64
	Locked    int64
}

// Total is derived, never stored
func (b Balance) Total() int64 {
	return b.Available + b.Locked
}

// entry holds both buckets for one account × asset. Operations on a given
// (user, asset) pair serialize on the entry mutex.
type entry struct {
	mu        sync.Mutex
	available int64
	locked    int64
}

func (e *entry) bucket(b Bucket) *int64 {
	if b == BucketLocked {
		return &e.locked
	}
	return &e.available
}

// Ledger maintains per-user-per-asset balances with atomic reserve, release
// and settle. Every mutation produces a balanced journal batch for the
// persistence layer. Entries are created on first deposit or reservation and
// never deleted.
type Ledger struct {
	mu      sync.RWMutex
	entries map[entryKey]*entry
}

func New() *Ledger {
	return &Ledger{
		entries: make(map[entryKey]*entry),
	}
}

func (l *Ledger) getOrCreate(key entryKey) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &entry{}
	l.entries[key] = e
	return e
}

// lockAll acquires the entries for the given keys in the fixed global order,
// deduplicating shared keys (self-trades touch the same entry on both sides).
// The returned unlock function releases in reverse order.
func (l *Ledger) lockAll(keys []entryKey) (map[entryKey]*entry, func()) {
	uniq := make([]entryKey, 0, len(keys))
	seen := make(map[entryKey]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].less(uniq[j]) })

	locked := make(map[entryKey]*entry, len(uniq))
	for _, k := range uniq {
		e := l.getOrCreate(k)
		e.mu.Lock()
		locked[k] = e
	}

	unlock := func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			locked[uniq[i]].mu.Unlock()
		}
	}
	return locked, unlock
}

// apply mutates balances mechanically from journal legs: debit bucket gains
// the amount, credit bucket loses it. Callers must hold the entry locks and
// must have validated every precondition first.
func (l *Ledger) apply(locked map[entryKey]*entry, journals []Journal) {
	for _, j := range journals {
		*locked[j.DebitAccount.entryKey()].bucket(j.DebitAccount.Bucket) += j.Amount
		*locked[j.CreditAccount.entryKey()].bucket(j.CreditAccount.Bucket) -= j.Amount
	}
}

func newBatch(ref string, ts int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Timestamp: ts,
	}
}

func (b *Batch) addLeg(debit, credit AccountKey, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Deposit credits available funds from the external deposits account.
// Creates the balance entry on first use.
func (l *Ledger) Deposit(userID uuid.UUID, asset string, amount int64, ref string) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}

	user := NewUserAccountKey(userID, asset, BucketAvailable)
	external := NewExternalAccountKey("deposits", asset)

	locked, unlock := l.lockAll([]entryKey{user.entryKey(), external.entryKey()})
	defer unlock()

	batch := newBatch(ref, time.Now().UnixMicro())
	batch.addLeg(user, external, amount, JournalTypeDeposit)
	l.apply(locked, batch.Journals)

	return batch, nil
}

// Withdraw debits available funds to the external withdrawals account.
func (l *Ledger) Withdraw(userID uuid.UUID, asset string, amount int64, ref string) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}

	user := NewUserAccountKey(userID, asset, BucketAvailable)
	external := NewExternalAccountKey("withdrawals", asset)

	locked, unlock := l.lockAll([]entryKey{user.entryKey(), external.entryKey()})
	defer unlock()

	if locked[user.entryKey()].available < amount {
		return nil, fmt.Errorf("withdraw %d %s for user %s: %w",
			amount, asset, userID, ErrInsufficientBalance)
	}

	batch := newBatch(ref, time.Now().UnixMicro())
	batch.addLeg(external, user, amount, JournalTypeWithdrawal)
	l.apply(locked, batch.Journals)

	return batch, nil
}

// Reserve atomically moves amount from available to locked, guaranteeing
// settlement capacity before the order enters matching.
func (l *Ledger) Reserve(userID uuid.UUID, asset string, amount int64, ref string) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	available := NewUserAccountKey(userID, asset, BucketAvailable)
	lockedKey := NewUserAccountKey(userID, asset, BucketLocked)

	locked, unlock := l.lockAll([]entryKey{available.entryKey()})
	defer unlock()

	if locked[available.entryKey()].available < amount {
		return nil, fmt.Errorf("reserve %d %s for user %s: %w",
			amount, asset, userID, ErrInsufficientBalance)
	}

	batch := newBatch(ref, time.Now().UnixMicro())
	batch.addLeg(lockedKey, available, amount, JournalTypeReserve)
	l.apply(locked, batch.Journals)

	return batch, nil
}

// Release moves amount from locked back to available. Callers only release
// what they reserved, so a shortfall is a fatal invariant violation, not a
// user error.
func (l *Ledger) Release(userID uuid.UUID, asset string, amount int64, ref string) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("release amount must be positive, got %d", amount)
	}

	available := NewUserAccountKey(userID, asset, BucketAvailable)
	lockedKey := NewUserAccountKey(userID, asset, BucketLocked)

	locked, unlock := l.lockAll([]entryKey{available.entryKey()})
	defer unlock()

	if locked[available.entryKey()].locked < amount {
		return nil, fmt.Errorf("release %d %s for user %s: locked=%d: %w",
			amount, asset, userID, locked[available.entryKey()].locked, ErrInvariantViolation)
	}

	batch := newBatch(ref, time.Now().UnixMicro())
	batch.addLeg(available, lockedKey, amount, JournalTypeRelease)
	l.apply(locked, batch.Journals)

	return batch, nil
}

// SettleArgs carries one trade's precomputed settlement amounts.
// QuoteAmount is quantity*price in quote units; fees are quote units.
type SettleArgs struct {
	Buyer      uuid.UUID
	Seller     uuid.UUID
	BaseAsset  string
	QuoteAsset string

	BaseAmount  int64 // quantity, quantity scale
	QuoteAmount int64 // quantity*price, quote scale
	BuyerFee    int64
	SellerFee   int64

	Ref string
}

// Settle executes one trade's balance transfer as a single atomic operation:
//
//	buyer  quote locked    -= QuoteAmount + BuyerFee
//	buyer  base  available += BaseAmount
//	seller base  locked    -= BaseAmount
//	seller quote available += QuoteAmount - SellerFee
//
// with both commissions credited to the system fee account. All mutations
// commit together or none do; entry locks are taken in the fixed global
// (user, asset) order so concurrent settlements cannot deadlock.
func (l *Ledger) Settle(args SettleArgs) (*Batch, error) {
	if args.BaseAmount <= 0 || args.QuoteAmount <= 0 {
		return nil, fmt.Errorf("settle amounts must be positive (base=%d quote=%d)",
			args.BaseAmount, args.QuoteAmount)
	}
	if args.BuyerFee < 0 || args.SellerFee < 0 {
		return nil, fmt.Errorf("settle fees must be non-negative (buyer=%d seller=%d)",
			args.BuyerFee, args.SellerFee)
	}
	sellerProceeds := args.QuoteAmount - args.SellerFee
	if sellerProceeds <= 0 {
		return nil, fmt.Errorf("seller fee %d consumes the whole notional %d",
			args.SellerFee, args.QuoteAmount)
	}

	buyerQuoteLocked := NewUserAccountKey(args.Buyer, args.QuoteAsset, BucketLocked)
	buyerBaseAvail := NewUserAccountKey(args.Buyer, args.BaseAsset, BucketAvailable)
	sellerBaseLocked := NewUserAccountKey(args.Seller, args.BaseAsset, BucketLocked)
	sellerQuoteAvail := NewUserAccountKey(args.Seller, args.QuoteAsset, BucketAvailable)
	feeSink := NewFeeAccountKey(args.QuoteAsset)

	locked, unlock := l.lockAll([]entryKey{
		buyerQuoteLocked.entryKey(),
		buyerBaseAvail.entryKey(),
		sellerBaseLocked.entryKey(),
		sellerQuoteAvail.entryKey(),
		feeSink.entryKey(),
	})
	defer unlock()

	// Validate every precondition before touching anything.
	if have := locked[buyerQuoteLocked.entryKey()].locked; have < args.QuoteAmount+args.BuyerFee {
		return nil, fmt.Errorf("settle %s: buyer %s quote locked=%d < %d: %w",
			args.Ref, args.Buyer, have, args.QuoteAmount+args.BuyerFee, ErrInvariantViolation)
	}
	if have := locked[sellerBaseLocked.entryKey()].locked; have < args.BaseAmount {
		return nil, fmt.Errorf("settle %s: seller %s base locked=%d < %d: %w",
			args.Ref, args.Seller, have, args.BaseAmount, ErrInvariantViolation)
	}

	batch := newBatch(args.Ref, time.Now().UnixMicro())

	// Quote side: buyer's locked funds pay the seller and both commissions.
	batch.addLeg(sellerQuoteAvail, buyerQuoteLocked, sellerProceeds, JournalTypeSettleQuote)
	if args.BuyerFee > 0 {
		batch.addLeg(feeSink, buyerQuoteLocked, args.BuyerFee, JournalTypeFee)
	}
	if args.SellerFee > 0 {
		batch.addLeg(feeSink, buyerQuoteLocked, args.SellerFee, JournalTypeFee)
	}

	// Base side: seller's locked inventory moves to the buyer.
	batch.addLeg(buyerBaseAvail, sellerBaseLocked, args.BaseAmount, JournalTypeSettleBase)

	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("settle %s: %w", args.Ref, err)
	}

	l.apply(locked, batch.Journals)

	return batch, nil
}

// GetBalance returns the current view for one (user, asset) pair
func (l *Ledger) GetBalance(userID uuid.UUID, asset string) Balance {
	key := NewUserAccountKey(userID, asset, BucketAvailable).entryKey()

	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return Balance{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Balance{Available: e.available, Locked: e.locked}
}

// SetBalance force-sets a user entry. Used only by startup recovery before
// the engine accepts traffic.
func (l *Ledger) SetBalance(userID uuid.UUID, asset string, b Balance) {
	l.RestoreAccount(AccountScopeUser, userID, "", asset, b)
}

// RestoreAccount force-sets any account entry, including system and
// external contra accounts, so the recovered ledger is zero-sum again.
func (l *Ledger) RestoreAccount(scope AccountScope, userID uuid.UUID, name, asset string, b Balance) {
	key := entryKey{Scope: scope, UserID: userID, Name: name, Asset: asset}
	e := l.getOrCreate(key)
	e.mu.Lock()
	e.available = b.Available
	e.locked = b.Locked
	e.mu.Unlock()
}

// Snapshot returns a copy of all balances keyed by account path
func (l *Ledger) Snapshot() map[string]Balance {
	l.mu.RLock()
	keys := make([]entryKey, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	snap := make(map[string]Balance, len(keys))
	for _, k := range keys {
		l.mu.RLock()
		e := l.entries[k]
		l.mu.RUnlock()

		e.mu.Lock()
		b := Balance{Available: e.available, Locked: e.locked}
		e.mu.Unlock()

		snap[k.path()] = b
	}
	return snap
}
