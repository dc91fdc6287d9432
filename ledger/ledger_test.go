package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/borrowbot/types"
	"github.com/michaelpento.lv/borrowbot/utils/metrics"
	"github.com/michaelpento.lv/borrowbot/utils/testutils"
)

func key(user common.Address) types.PositionKey {
	return types.PositionKey{
		Platform:        types.PlatformAaveV3,
		User:            user,
		CollateralAsset: testutils.DAI.Address,
		BorrowAsset:     testutils.USDC.Address,
	}
}

type memJournal struct {
	mu      sync.Mutex
	actions []types.LedgerAction
	fail    error
}

func (m *memJournal) Append(ctx context.Context, a types.LedgerAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.actions = append(m.actions, a.Clone())
	return nil
}

func (m *memJournal) Load(ctx context.Context) ([]types.LedgerAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.LedgerAction, len(m.actions))
	copy(out, m.actions)
	return out, nil
}

func TestBorrowAccumulates(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	ctx := context.Background()
	k := key(testutils.User)

	a1, err := l.Borrow(ctx, k, big.NewInt(1000), big.NewInt(600), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a1.Seq)
	assert.Nil(t, a1.Repay)

	a2, err := l.Borrow(ctx, k, big.NewInt(500), big.NewInt(300), 11)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), a2.Seq)
	assert.Equal(t, "1500", a2.SuppliedAmountAfter.String())
	assert.Equal(t, "900", a2.BorrowedAmountAfter.String())

	supplied, borrowed, ok := l.Totals(k)
	require.True(t, ok)
	assert.Equal(t, "1500", supplied.String())
	assert.Equal(t, "900", borrowed.String())
}

func TestRepayBooksLoss(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	ctx := context.Background()
	k := key(testutils.User)

	_, err := l.Borrow(ctx, k, big.NewInt(1000), big.NewInt(100), 1)
	require.NoError(t, err)

	// debt grew to 101 through interest; 25 repaid leaves 76 observed
	a, err := l.Repay(ctx, k, Repayment{
		Repaid:             big.NewInt(25),
		CollateralReturned: big.NewInt(250),
		ObservedDebt:       big.NewInt(76),
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, "76", a.BorrowedAmountAfter.String())
	assert.Equal(t, "1", a.Loss().String())
	assert.Equal(t, "750", a.SuppliedAmountAfter.String())

	// borrowed_new - loss == borrowed_old - repaid + gapReturned
	lhs := new(big.Int).Sub(a.BorrowedAmountAfter, a.Loss())
	assert.Equal(t, "75", lhs.String())
}

func TestFullRepayWithDebtGap(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	ctx := context.Background()
	k := key(testutils.User)

	_, err := l.Borrow(ctx, k, big.NewInt(1000), big.NewInt(100), 1)
	require.NoError(t, err)

	// actual debt 101, sent 103 with gap, 2 returned
	a, err := l.Repay(ctx, k, Repayment{
		Repaid:             big.NewInt(103),
		DebtGapReturned:    big.NewInt(2),
		CollateralReturned: big.NewInt(1000),
		ObservedDebt:       big.NewInt(0),
	}, 5)
	require.NoError(t, err)
	assert.Equal(t, "0", a.BorrowedAmountAfter.String())
	assert.Equal(t, "1", a.Loss().String())
	assert.Equal(t, "0", a.SuppliedAmountAfter.String())

	lhs := new(big.Int).Sub(a.BorrowedAmountAfter, a.Loss())
	rhs := big.NewInt(100 - 103 + 2)
	assert.Equal(t, rhs.String(), lhs.String())
}

func TestRepayNeverNegativeLoss(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	ctx := context.Background()
	k := key(testutils.User)

	_, err := l.Borrow(ctx, k, big.NewInt(1000), big.NewInt(100), 1)
	require.NoError(t, err)

	// protocol reports less debt than expected
	a, err := l.Repay(ctx, k, Repayment{Repaid: big.NewInt(10), ObservedDebt: big.NewInt(80)}, 2)
	require.NoError(t, err)
	assert.Equal(t, "0", a.Loss().String())
	assert.Equal(t, "90", a.BorrowedAmountAfter.String())

	_, err = l.Repay(ctx, k, Repayment{Repaid: big.NewInt(-1)}, 3)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRejectsIncompleteKey(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	_, err := l.Borrow(context.Background(), types.PositionKey{}, big.NewInt(1), big.NewInt(1), 1)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestPositionsForUser(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	ctx := context.Background()
	k1 := key(testutils.User)
	k2 := k1
	k2.Platform = types.PlatformMoonwell
	other := key(common.HexToAddress("0x00000000000000000000000000000000000000ff"))

	for _, k := range []types.PositionKey{k1, k2, k1, other} {
		_, err := l.Borrow(ctx, k, big.NewInt(1), big.NewInt(1), 1)
		require.NoError(t, err)
	}

	assert.Equal(t, []types.PositionKey{k1, k2}, l.PositionsForUser(testutils.User))
	assert.Len(t, l.PositionsForUser(other.User), 1)
	assert.Empty(t, l.PositionsForUser(common.Address{}))
	assert.Equal(t, 3, l.Stats().Positions)
	assert.Equal(t, uint64(4), l.Stats().Borrows)
}

func TestReconcile(t *testing.T) {
	m := metrics.NewLedgerMetrics("test", nil)
	l := New(zaptest.NewLogger(t), WithMetrics(m))
	ctx := context.Background()
	k := key(testutils.User)

	assert.NoError(t, l.Reconcile(k, big.NewInt(0), big.NewInt(0), 10))

	_, err := l.Borrow(ctx, k, big.NewInt(10_000), big.NewInt(5_000), 1)
	require.NoError(t, err)

	// interest growth is fine
	assert.NoError(t, l.Reconcile(k, big.NewInt(10_000), big.NewInt(5_100), 10))
	// within 10 bps
	assert.NoError(t, l.Reconcile(k, big.NewInt(9_990), big.NewInt(4_995), 10))
	// collateral vanished
	err = l.Reconcile(k, big.NewInt(5_000), big.NewInt(5_000), 10)
	assert.ErrorIs(t, err, types.ErrLedgerInconsistency)
	// debt shrank without a repay
	err = l.Reconcile(k, big.NewInt(10_000), big.NewInt(4_000), 10)
	assert.ErrorIs(t, err, types.ErrLedgerInconsistency)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Inconsistencies))
}

func TestCheckpoint(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	ctx := context.Background()
	k := key(testutils.User)

	empty := l.Checkpoint(k)
	assert.Equal(t, 0, empty.Actions)

	_, err := l.Borrow(ctx, k, big.NewInt(1000), big.NewInt(100), 1)
	require.NoError(t, err)
	d := l.Checkpoint(k)
	assert.Equal(t, 1, d.Actions)
	assert.Equal(t, "1000", d.DeltaSupplied.String())
	assert.Equal(t, "100", d.DeltaBorrowed.String())

	_, err = l.Repay(ctx, k, Repayment{Repaid: big.NewInt(50), CollateralReturned: big.NewInt(500), ObservedDebt: big.NewInt(53)}, 2)
	require.NoError(t, err)
	d = l.Checkpoint(k)
	assert.Equal(t, 1, d.Actions)
	assert.Equal(t, "-500", d.DeltaSupplied.String())
	assert.Equal(t, "-47", d.DeltaBorrowed.String())
	assert.Equal(t, "3", d.Loss.String())

	d = l.Checkpoint(k)
	assert.Equal(t, 0, d.Actions)
	assert.Equal(t, "0", d.DeltaBorrowed.String())
}

func TestSummary(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	ctx := context.Background()
	k := key(testutils.User)

	_, _ = l.Borrow(ctx, k, big.NewInt(1000), big.NewInt(100), 1)
	_, _ = l.Repay(ctx, k, Repayment{Repaid: big.NewInt(10), ObservedDebt: big.NewInt(92)}, 2)
	_, _ = l.Repay(ctx, k, Repayment{Repaid: big.NewInt(10), ObservedDebt: big.NewInt(84)}, 3)

	s := l.Summary(k)
	assert.Equal(t, 1, s.Borrows)
	assert.Equal(t, 2, s.Repays)
	assert.Equal(t, "4", s.TotalLoss.String())
	assert.Equal(t, "84", s.Borrowed.String())
	assert.Len(t, l.Actions(k), 3)
}

func TestJournalFailureLeavesLedgerUnchanged(t *testing.T) {
	j := &memJournal{}
	m := metrics.NewLedgerMetrics("test", nil)
	l := New(zaptest.NewLogger(t), WithJournal(j), WithMetrics(m))
	ctx := context.Background()
	k := key(testutils.User)

	_, err := l.Borrow(ctx, k, big.NewInt(1), big.NewInt(1), 1)
	require.NoError(t, err)

	j.fail = errors.New("disk full")
	_, err = l.Borrow(ctx, k, big.NewInt(1), big.NewInt(1), 2)
	assert.ErrorIs(t, err, ErrJournal)
	assert.Len(t, l.Actions(k), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JournalErrors))
}

func TestRestore(t *testing.T) {
	j := &memJournal{}
	ctx := context.Background()
	k := key(testutils.User)

	l := New(zaptest.NewLogger(t), WithJournal(j))
	_, _ = l.Borrow(ctx, k, big.NewInt(1000), big.NewInt(100), 1)
	_, _ = l.Repay(ctx, k, Repayment{Repaid: big.NewInt(100), ObservedDebt: big.NewInt(1), CollateralReturned: big.NewInt(900)}, 2)

	restored := New(zaptest.NewLogger(t), WithJournal(j))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, l.Actions(k), restored.Actions(k))
	assert.Equal(t, []types.PositionKey{k}, restored.PositionsForUser(testutils.User))

	// replaying twice breaks the sequence
	_, err = restored.Restore(ctx)
	assert.ErrorIs(t, err, types.ErrLedgerInconsistency)
}

func TestConcurrentRecording(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	users := 32
	perUser := 20
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			k := key(common.BigToAddress(big.NewInt(int64(u + 1))))
			for i := 0; i < perUser; i++ {
				_, err := l.Borrow(ctx, k, big.NewInt(1), big.NewInt(1), uint64(i))
				assert.NoError(t, err)
			}
		}(u)
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		k := key(common.BigToAddress(big.NewInt(int64(u + 1))))
		actions := l.Actions(k)
		require.Len(t, actions, perUser)
		for i, a := range actions {
			assert.Equal(t, uint64(i+1), a.Seq)
		}
		assert.Equal(t, "20", actions[perUser-1].BorrowedAmountAfter.String())
	}
	assert.Equal(t, uint64(users*perUser), l.Stats().Borrows)
}
