package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/ledger"
	"github.com/forgehq/runtime-core/internal/store/memstore"
	"github.com/forgehq/runtime-core/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func newAccount(t *testing.T, st *memstore.Store, id string, balance int64) *types.Account {
	a := &types.Account{ID: id, UserRef: "user-" + id, BalanceMillis: balance, RolloverCapacityMillis: 200000, MonthlyAllocationMillis: 100000}
	require.NoError(t, st.CreateAccount(a))
	return a
}

func TestGrantAndConsume(t *testing.T) {
	st := memstore.New()
	l := ledger.New(st, testConfig(t))
	newAccount(t, st, "acc-1", 0)

	require.NoError(t, l.Grant(context.Background(), "acc-1", 5000, "initial grant"))
	require.NoError(t, l.Consume(context.Background(), "acc-1", 2000, "session usage", "sess-1"))

	a, err := st.GetAccount("acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), a.BalanceMillis)

	txs, err := st.ListTransactionsByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)

	var sum int64
	for _, tx := range txs {
		sum += tx.AmountMillis
	}
	assert.Equal(t, a.BalanceMillis, sum)
}

func TestConsumeInsufficientBalance(t *testing.T) {
	st := memstore.New()
	l := ledger.New(st, testConfig(t))
	newAccount(t, st, "acc-2", 100)

	err := l.Consume(context.Background(), "acc-2", 500, "overspend", "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InsufficientBalance))
}

func TestEarnUsesClosedTable(t *testing.T) {
	st := memstore.New()
	l := ledger.New(st, testConfig(t))
	newAccount(t, st, "acc-3", 0)

	require.NoError(t, l.Earn(context.Background(), "acc-3", types.EarnPRMerge, "pr-42"))

	a, err := st.GetAccount("acc-3")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), a.BalanceMillis)

	err = l.Earn(context.Background(), "acc-3", types.EarningKind("not_a_kind"), "")
	assert.Error(t, err)
}

func TestGiftIsAtomicAndBidirectionalLockSafe(t *testing.T) {
	st := memstore.New()
	l := ledger.New(st, testConfig(t))
	newAccount(t, st, "acc-a", 1000)
	newAccount(t, st, "acc-b", 1000)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = l.Gift(context.Background(), "acc-a", "acc-b", 100, "thanks")
	}()
	go func() {
		defer wg.Done()
		_ = l.Gift(context.Background(), "acc-b", "acc-a", 100, "thanks back")
	}()
	wg.Wait()

	a, _ := st.GetAccount("acc-a")
	b, _ := st.GetAccount("acc-b")
	assert.Equal(t, int64(1000), a.BalanceMillis)
	assert.Equal(t, int64(1000), b.BalanceMillis)
}

func TestGiftInsufficientBalanceLeavesBothUnchanged(t *testing.T) {
	st := memstore.New()
	l := ledger.New(st, testConfig(t))
	newAccount(t, st, "acc-c", 50)
	newAccount(t, st, "acc-d", 0)

	err := l.Gift(context.Background(), "acc-c", "acc-d", 100, "too much")
	require.Error(t, err)

	c, _ := st.GetAccount("acc-c")
	d, _ := st.GetAccount("acc-d")
	assert.Equal(t, int64(50), c.BalanceMillis)
	assert.Equal(t, int64(0), d.BalanceMillis)
}

func TestMonthlyRolloverDoesNotTruncateBalanceAboveCapacity(t *testing.T) {
	st := memstore.New()
	l := ledger.New(st, testConfig(t))
	a := newAccount(t, st, "acc-e", 500000)
	a.RolloverCapacityMillis = 200000
	a.MonthlyAllocationMillis = 100000
	require.NoError(t, st.UpdateAccount(a))

	require.NoError(t, l.MonthlyRollover(context.Background()))

	got, err := st.GetAccount("acc-e")
	require.NoError(t, err)
	// Balance is never truncated by the rollover cap: 500000 + 100000 allocation.
	assert.Equal(t, int64(600000), got.BalanceMillis)
	assert.NotNil(t, got.LastRolloverAt)
	// The cap is recorded only as an informational stat.
	assert.Equal(t, int64(200000), got.LastRolloverCreditsMillis)

	txs, err := st.ListTransactionsByAccount("acc-e")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	// The recorded transaction amount must equal the actual balance delta
	// (the allocation), not a capped amount, so balance stays the sum of
	// every recorded transaction plus whatever balance predates this test's
	// direct store seeding.
	assert.Equal(t, a.MonthlyAllocationMillis, txs[0].AmountMillis)
	assert.Equal(t, int64(500000)+txs[0].AmountMillis, got.BalanceMillis)
}

func TestTeamPoolApprovalThreshold(t *testing.T) {
	st := memstore.New()
	l := ledger.New(st, testConfig(t))
	require.NoError(t, st.CreateTeamPool(&types.TeamPool{
		ID: "pool-1", BalanceMillis: 100000, ApprovalThresholdMillis: 50000,
		MemberDailyCapMillis: 0, MemberMonthlyCapMillis: 0,
	}))

	err := l.ConsumeTeamPool(context.Background(), "pool-1", 60000, 0, 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ApprovalRequired))

	p, _ := st.GetTeamPool("pool-1")
	assert.Equal(t, int64(100000), p.BalanceMillis)
}

func TestTeamPoolDailyCapExceeded(t *testing.T) {
	st := memstore.New()
	l := ledger.New(st, testConfig(t))
	require.NoError(t, st.CreateTeamPool(&types.TeamPool{
		ID: "pool-2", BalanceMillis: 100000, MemberDailyCapMillis: 10000,
	}))

	err := l.ConsumeTeamPool(context.Background(), "pool-2", 5000, 8000, 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CapExceeded))
}
