// Package ledger keeps the append-only history of borrow and repay actions
// per position and answers what a position cost.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
	"github.com/michaelpento.lv/borrowbot/utils/metrics"
)

const NumShards = 256

var ErrJournal = errors.New("ledger journal write failed")

// Journal persists actions. Append must be durable before it returns.
type Journal interface {
	Append(ctx context.Context, action types.LedgerAction) error
	Load(ctx context.Context) ([]types.LedgerAction, error)
}

// shard owns an arena of actions and the per-key index into it.
type shard struct {
	sync.RWMutex
	arena       []types.LedgerAction
	byKey       map[types.PositionKey][]int
	checkpoints map[types.PositionKey]checkpoint
}

type checkpoint struct {
	seq      uint64
	supplied *big.Int
	borrowed *big.Int
}

// Ledger is safe for concurrent use. Actions of one key are totally ordered;
// keys in different shards never contend.
type Ledger struct {
	shards [NumShards]*shard

	usersMu sync.RWMutex
	users   map[common.Address][]types.PositionKey
	known   map[types.PositionKey]struct{}

	journal Journal
	logger  *zap.Logger
	metrics *metrics.LedgerMetrics
	now     func() time.Time

	stats struct {
		borrows atomic.Uint64
		repays  atomic.Uint64
	}
}

// Option configures a Ledger
type Option func(*Ledger)

// WithJournal persists every action before it becomes visible.
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		users:  make(map[common.Address][]types.PositionKey),
		known:  make(map[types.PositionKey]struct{}),
		logger: logger,
		now:    time.Now,
	}
	for i := 0; i < NumShards; i++ {
		l.shards[i] = &shard{
			byKey:       make(map[types.PositionKey][]int),
			checkpoints: make(map[types.PositionKey]checkpoint),
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.NewLedgerMetrics("borrowbot", nil)
	}
	return l
}

func (l *Ledger) getShard(key types.PositionKey) *shard {
	buf := make([]byte, 0, len(key.Platform)+3*common.AddressLength)
	buf = append(buf, key.Platform...)
	buf = append(buf, key.User[:]...)
	buf = append(buf, key.CollateralAsset[:]...)
	buf = append(buf, key.BorrowAsset[:]...)
	return l.shards[xxhash.Sum64(buf)%NumShards]
}

// Borrow records supplied collateral and borrowed amount of a borrow (or
// collateral top-up) action. Totals are cumulative.
func (l *Ledger) Borrow(ctx context.Context, key types.PositionKey, supplied, borrowed *big.Int, block uint64) (types.LedgerAction, error) {
	if supplied != nil && supplied.Sign() < 0 || borrowed != nil && borrowed.Sign() < 0 {
		return types.LedgerAction{}, fmt.Errorf("%w: negative borrow amounts", types.ErrInvalidInput)
	}
	return l.append(ctx, key, types.ActionBorrow, block, func(prevSupplied, prevBorrowed *big.Int) (*big.Int, *big.Int, *big.Int) {
		return new(big.Int).Add(prevSupplied, bmath.Clone(supplied)),
			new(big.Int).Add(prevBorrowed, bmath.Clone(borrowed)),
			nil
	})
}

// Repayment is the outcome of one repay as reported by the protocol.
type Repayment struct {
	// Repaid is the amount sent, including any debt gap.
	Repaid             *big.Int
	DebtGapReturned    *big.Int
	CollateralReturned *big.Int
	// ObservedDebt is the debt the protocol reports after the repay.
	ObservedDebt *big.Int
}

// Repay records a repay action. The part of the observed debt not explained
// by the recorded debt, the repaid amount and the returned gap is booked as
// loss, so that borrowedAfter - loss == borrowedBefore - repaid + gapReturned.
func (l *Ledger) Repay(ctx context.Context, key types.PositionKey, r Repayment, block uint64) (types.LedgerAction, error) {
	for _, v := range []*big.Int{r.Repaid, r.DebtGapReturned, r.CollateralReturned, r.ObservedDebt} {
		if v != nil && v.Sign() < 0 {
			return types.LedgerAction{}, fmt.Errorf("%w: negative repay amounts", types.ErrInvalidInput)
		}
	}
	return l.append(ctx, key, types.ActionRepay, block, func(prevSupplied, prevBorrowed *big.Int) (*big.Int, *big.Int, *big.Int) {
		expected := new(big.Int).Sub(prevBorrowed, bmath.Clone(r.Repaid))
		expected.Add(expected, bmath.Clone(r.DebtGapReturned))
		loss := bmath.SubFloor(r.ObservedDebt, expected)
		borrowed := new(big.Int).Add(expected, loss)
		supplied := bmath.SubFloor(prevSupplied, r.CollateralReturned)
		return supplied, borrowed, loss
	})
}

type totalsFn func(prevSupplied, prevBorrowed *big.Int) (supplied, borrowed, loss *big.Int)

func (l *Ledger) append(ctx context.Context, key types.PositionKey, kind types.ActionKind, block uint64, fn totalsFn) (types.LedgerAction, error) {
	if key.User == (common.Address{}) || key.Platform == "" {
		return types.LedgerAction{}, fmt.Errorf("%w: incomplete position key", types.ErrInvalidInput)
	}
	s := l.getShard(key)
	s.Lock()
	defer s.Unlock()

	prevSupplied, prevBorrowed := new(big.Int), new(big.Int)
	idx := s.byKey[key]
	if n := len(idx); n > 0 {
		last := s.arena[idx[n-1]]
		prevSupplied.Set(last.SuppliedAmountAfter)
		prevBorrowed.Set(last.BorrowedAmountAfter)
	}

	supplied, borrowed, loss := fn(prevSupplied, prevBorrowed)
	if borrowed.Sign() < 0 {
		return types.LedgerAction{}, fmt.Errorf("%w: borrowed total would become %s", types.ErrLedgerInconsistency, borrowed)
	}
	action := types.LedgerAction{
		Seq:                 uint64(len(idx)) + 1,
		Key:                 key,
		Kind:                kind,
		SuppliedAmountAfter: supplied,
		BorrowedAmountAfter: borrowed,
		BlockNumber:         block,
		RecordedAt:          l.now().UTC(),
	}
	if kind == types.ActionRepay {
		action.Repay = &types.RepayInfo{Loss: bmath.Clone(loss)}
	}

	if l.journal != nil {
		if err := l.journal.Append(ctx, action); err != nil {
			l.metrics.JournalErrors.Inc()
			l.logger.Error("Failed to journal ledger action",
				zap.Stringer("key", key),
				zap.Stringer("kind", kind),
				zap.Error(err))
			return types.LedgerAction{}, fmt.Errorf("%w: %v", ErrJournal, err)
		}
	}

	l.insertLocked(s, action)
	l.logger.Debug("Ledger action recorded",
		zap.Stringer("key", key),
		zap.Stringer("kind", kind),
		zap.Uint64("seq", action.Seq),
		zap.String("supplied", supplied.String()),
		zap.String("borrowed", borrowed.String()))
	return action.Clone(), nil
}

func (l *Ledger) insertLocked(s *shard, action types.LedgerAction) {
	s.arena = append(s.arena, action)
	s.byKey[action.Key] = append(s.byKey[action.Key], len(s.arena)-1)

	switch action.Kind {
	case types.ActionBorrow:
		l.stats.borrows.Add(1)
	case types.ActionRepay:
		l.stats.repays.Add(1)
	}
	l.metrics.Actions.WithLabelValues(action.Kind.String()).Inc()

	l.usersMu.Lock()
	if _, ok := l.known[action.Key]; !ok {
		l.known[action.Key] = struct{}{}
		l.users[action.Key.User] = append(l.users[action.Key.User], action.Key)
		l.metrics.TrackedPositions.Inc()
	}
	l.usersMu.Unlock()
}

// Restore replays the journal into an empty ledger.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.journal == nil {
		return 0, nil
	}
	actions, err := l.journal.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load journal: %w", err)
	}
	for _, a := range actions {
		s := l.getShard(a.Key)
		s.Lock()
		if want := uint64(len(s.byKey[a.Key])) + 1; a.Seq != want {
			s.Unlock()
			return 0, fmt.Errorf("%w: %s has seq %d, expected %d", types.ErrLedgerInconsistency, a.Key, a.Seq, want)
		}
		l.insertLocked(s, a.Clone())
		s.Unlock()
	}
	l.logger.Info("Ledger restored", zap.Int("actions", len(actions)))
	return len(actions), nil
}

// Totals returns the cumulative supplied and borrowed amounts of a position.
func (l *Ledger) Totals(key types.PositionKey) (supplied, borrowed *big.Int, ok bool) {
	last, ok := l.Latest(key)
	if !ok {
		return new(big.Int), new(big.Int), false
	}
	return last.SuppliedAmountAfter, last.BorrowedAmountAfter, true
}

// Latest returns the most recent action of a position.
func (l *Ledger) Latest(key types.PositionKey) (types.LedgerAction, bool) {
	s := l.getShard(key)
	s.RLock()
	defer s.RUnlock()

	idx := s.byKey[key]
	if len(idx) == 0 {
		return types.LedgerAction{}, false
	}
	return s.arena[idx[len(idx)-1]].Clone(), true
}

// Actions returns the history of a position in append order.
func (l *Ledger) Actions(key types.PositionKey) []types.LedgerAction {
	s := l.getShard(key)
	s.RLock()
	defer s.RUnlock()

	idx := s.byKey[key]
	out := make([]types.LedgerAction, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.arena[i].Clone())
	}
	return out
}

// PositionsForUser lists every position the user ever had, in first-seen order.
func (l *Ledger) PositionsForUser(user common.Address) []types.PositionKey {
	l.usersMu.RLock()
	defer l.usersMu.RUnlock()

	keys := l.users[user]
	out := make([]types.PositionKey, len(keys))
	copy(out, keys)
	return out
}

// Reconcile compares recorded totals with what the protocol reports. Observed
// balances may grow between actions through interest, but must not fall
// below the record by more than toleranceBps (at least one unit).
func (l *Ledger) Reconcile(key types.PositionKey, observedSupplied, observedBorrowed *big.Int, toleranceBps uint64) error {
	supplied, borrowed, ok := l.Totals(key)
	if !ok {
		return nil
	}
	check := func(name string, recorded, observed *big.Int) error {
		tol := bmath.Max(bmath.Bps(recorded, toleranceBps), big.NewInt(1))
		floor := new(big.Int).Sub(recorded, tol)
		if bmath.Clone(observed).Cmp(floor) < 0 {
			l.metrics.Inconsistencies.Inc()
			l.logger.Error("Ledger disagrees with protocol",
				zap.Stringer("key", key),
				zap.String("field", name),
				zap.String("recorded", recorded.String()),
				zap.String("observed", bmath.Clone(observed).String()))
			return fmt.Errorf("%w: %s %s recorded %s observed %s", types.ErrLedgerInconsistency, key, name, recorded, bmath.Clone(observed))
		}
		return nil
	}
	if err := check("supplied", supplied, observedSupplied); err != nil {
		return err
	}
	return check("borrowed", borrowed, observedBorrowed)
}

// CheckpointDelta is the change of a position since the previous checkpoint.
type CheckpointDelta struct {
	Actions       int
	DeltaSupplied *big.Int
	DeltaBorrowed *big.Int
	Loss          *big.Int
}

// Checkpoint returns the change since the previous checkpoint of the key and
// starts a new period.
func (l *Ledger) Checkpoint(key types.PositionKey) CheckpointDelta {
	s := l.getShard(key)
	s.Lock()
	defer s.Unlock()

	prev, ok := s.checkpoints[key]
	if !ok {
		prev = checkpoint{supplied: new(big.Int), borrowed: new(big.Int)}
	}
	delta := CheckpointDelta{
		DeltaSupplied: new(big.Int),
		DeltaBorrowed: new(big.Int),
		Loss:          new(big.Int),
	}
	idx := s.byKey[key]
	if len(idx) == 0 {
		return delta
	}
	for _, i := range idx[prev.seq:] {
		delta.Actions++
		delta.Loss.Add(delta.Loss, s.arena[i].Loss())
	}
	last := s.arena[idx[len(idx)-1]]
	delta.DeltaSupplied.Sub(last.SuppliedAmountAfter, prev.supplied)
	delta.DeltaBorrowed.Sub(last.BorrowedAmountAfter, prev.borrowed)

	s.checkpoints[key] = checkpoint{
		seq:      last.Seq,
		supplied: new(big.Int).Set(last.SuppliedAmountAfter),
		borrowed: new(big.Int).Set(last.BorrowedAmountAfter),
	}
	return delta
}

// PositionSummary aggregates the history of one position.
type PositionSummary struct {
	Key       types.PositionKey
	Borrows   int
	Repays    int
	TotalLoss *big.Int
	Supplied  *big.Int
	Borrowed  *big.Int
}

// Summary aggregates every action of a position.
func (l *Ledger) Summary(key types.PositionKey) PositionSummary {
	sum := PositionSummary{Key: key, TotalLoss: new(big.Int), Supplied: new(big.Int), Borrowed: new(big.Int)}
	for _, a := range l.Actions(key) {
		switch a.Kind {
		case types.ActionBorrow:
			sum.Borrows++
		case types.ActionRepay:
			sum.Repays++
			sum.TotalLoss.Add(sum.TotalLoss, a.Loss())
		}
		sum.Supplied = a.SuppliedAmountAfter
		sum.Borrowed = a.BorrowedAmountAfter
	}
	return sum
}

// Stats are ledger-wide counters
type Stats struct {
	Positions int
	Borrows   uint64
	Repays    uint64
}

func (l *Ledger) Stats() Stats {
	l.usersMu.RLock()
	positions := len(l.known)
	l.usersMu.RUnlock()
	return Stats{
		Positions: positions,
		Borrows:   l.stats.borrows.Load(),
		Repays:    l.stats.repays.Load(),
	}
}
