package memstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/store/memstore"
	"github.com/forgehq/runtime-core/internal/types"
)

func TestSandboxRoundTrip(t *testing.T) {
	s := memstore.New()
	sbx := &types.Sandbox{ID: "sbx-1", Runtime: "python", State: types.SandboxCreating}
	require.NoError(t, s.CreateSandbox(sbx))

	got, err := s.GetSandbox("sbx-1")
	require.NoError(t, err)
	assert.Equal(t, "python", got.Runtime)

	require.NoError(t, s.DeleteSandbox("sbx-1"))
	_, err = s.GetSandbox("sbx-1")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestAccountLookupByUser(t *testing.T) {
	s := memstore.New()
	acc := &types.Account{ID: "acc-1", UserRef: "user-42", BalanceMillis: 1000}
	require.NoError(t, s.CreateAccount(acc))

	got, err := s.GetAccountByUser("user-42")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.BalanceMillis)

	_, err = s.GetAccountByUser("nobody")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestTransactionsAppendOnly(t *testing.T) {
	s := memstore.New()
	require.NoError(t, s.AppendTransaction(&types.Transaction{ID: "t1", AccountRef: "acc-1", AmountMillis: 500}))
	require.NoError(t, s.AppendTransaction(&types.Transaction{ID: "t2", AccountRef: "acc-1", AmountMillis: -200}))

	txs, err := s.ListTransactionsByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(500), txs[0].AmountMillis)
}

func TestActiveSessionsExcludeTerminated(t *testing.T) {
	s := memstore.New()
	terminated := time.Now()
	require.NoError(t, s.CreateSession(&types.Session{ID: "s1"}))
	require.NoError(t, s.CreateSession(&types.Session{ID: "s2", TerminationCause: types.TerminationIdle, TerminatedAt: &terminated}))

	active, err := s.ListActiveSessions()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s1", active[0].ID)
}
