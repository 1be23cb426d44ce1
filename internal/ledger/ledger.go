// Package ledger implements the Credits Ledger (spec §4.6): grant,
// consume, earn, gift, monthly_rollover, predict_depletion, each
// serialized per account, with cross-account gifts taking locks in id
// order to avoid deadlock. Grounded on the original_source's
// CreditsService (award_credits_for_contribution's earning table,
// charge_credits's insufficient-balance check) and models/credits.py,
// persisted through store.Store the way cuemby-warren persists through
// storage.Store.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/log"
	"github.com/forgehq/runtime-core/internal/store"
	"github.com/forgehq/runtime-core/internal/types"
)

// Ledger serializes every mutating operation per account via a striped
// mutex keyed by account id, and locks accounts in a stable (sorted-id)
// order for the two-account gift operation.
type Ledger struct {
	st     store.Store
	cfg    *config.Config
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Ledger backed by st.
func New(st store.Store, cfg *config.Config) *Ledger {
	return &Ledger{
		st:     st,
		cfg:    cfg,
		logger: log.Component("ledger"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(accountID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[accountID] = m
	}
	return m
}

func (l *Ledger) withAccount(accountID string, fn func(a *types.Account) error) error {
	mu := l.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	a, err := l.st.GetAccount(accountID)
	if err != nil {
		return err
	}
	return fn(a)
}

func (l *Ledger) recordTx(a *types.Account, kind types.TransactionKind, amountMillis int64, desc, ref string) error {
	tx := &types.Transaction{
		ID:           uuid.NewString(),
		AccountRef:   a.ID,
		AmountMillis: amountMillis,
		Kind:         kind,
		Description:  desc,
		Reference:    ref,
		CreatedAt:    time.Now(),
	}
	if err := l.st.AppendTransaction(tx); err != nil {
		return err
	}
	return l.st.UpdateAccount(a)
}

// Grant credits a positive amount to an account.
func (l *Ledger) Grant(ctx context.Context, accountID string, amountMillis int64, reason string) error {
	if amountMillis <= 0 {
		return errs.New(errs.InvalidConfig, "grant amount must be positive")
	}
	return l.withAccount(accountID, func(a *types.Account) error {
		a.BalanceMillis += amountMillis
		return l.recordTx(a, types.TxGrant, amountMillis, reason, "")
	})
}

// Consume implements usage.Ledger: debits amountMillis from accountRef,
// failing with errs.InsufficientBalance if the post-balance would go
// negative, per spec §4.6's invariant.
func (l *Ledger) Consume(ctx context.Context, accountRef string, amountMillis int64, reason, reference string) error {
	if amountMillis <= 0 {
		return nil
	}
	return l.withAccount(accountRef, func(a *types.Account) error {
		if a.BalanceMillis-amountMillis < 0 {
			return errs.New(errs.InsufficientBalance, fmt.Sprintf("account %s has insufficient balance", a.ID))
		}
		a.BalanceMillis -= amountMillis
		a.LifetimeSpentMillis += amountMillis
		return l.recordTx(a, types.TxUsage, -amountMillis, reason, reference)
	})
}

// Earn credits an account for a closed contribution kind, the amount
// resolved from config.EarningTable.
func (l *Ledger) Earn(ctx context.Context, accountID string, kind types.EarningKind, reference string) error {
	amount, ok := l.cfg.EarningAmountMillis(string(kind))
	if !ok || amount <= 0 {
		return errs.New(errs.InvalidConfig, "unknown earning kind: "+string(kind))
	}
	return l.withAccount(accountID, func(a *types.Account) error {
		a.BalanceMillis += amount
		a.LifetimeEarnedMillis += amount
		return l.recordTx(a, types.TxEarning, amount, "earned: "+string(kind), reference)
	})
}

// Gift atomically debits fromID and credits toID, or neither. Accounts
// are locked in sorted-id order to prevent deadlock against a
// concurrent gift running in the opposite direction.
func (l *Ledger) Gift(ctx context.Context, fromID, toID string, amountMillis int64, note string) error {
	if amountMillis <= 0 {
		return errs.New(errs.InvalidConfig, "gift amount must be positive")
	}
	if fromID == toID {
		return errs.New(errs.InvalidConfig, "cannot gift to self")
	}

	first, second := sortedAccountIDs(fromID, toID)
	firstLock, secondLock := l.lockFor(first), l.lockFor(second)
	firstLock.Lock()
	defer firstLock.Unlock()
	secondLock.Lock()
	defer secondLock.Unlock()

	from, err := l.st.GetAccount(fromID)
	if err != nil {
		return err
	}
	to, err := l.st.GetAccount(toID)
	if err != nil {
		return err
	}

	if from.BalanceMillis-amountMillis < 0 {
		return errs.New(errs.InsufficientBalance, "sender has insufficient balance for gift")
	}

	from.BalanceMillis -= amountMillis
	from.LifetimeGiftedSentMillis += amountMillis
	to.BalanceMillis += amountMillis
	to.LifetimeGiftedReceivedMillis += amountMillis

	ref := uuid.NewString()
	if err := l.recordTx(from, types.TxGiftOut, -amountMillis, note, ref); err != nil {
		return err
	}
	if err := l.recordTx(to, types.TxGiftIn, amountMillis, note, ref); err != nil {
		return err
	}
	return nil
}

// MonthlyRollover applies the monthly rollover rule to every account:
// balance += allocation, non-destructively — any balance above
// RolloverCapacityMillis is never truncated, only reported as an
// informational rollover stat, so balance always stays the sum of every
// recorded transaction.
func (l *Ledger) MonthlyRollover(ctx context.Context) error {
	accounts, err := l.st.ListAccounts()
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if err := l.rolloverOne(a.ID); err != nil {
			l.logger.Warn().Err(err).Str("account", a.ID).Msg("monthly rollover failed")
		}
	}
	return nil
}

func (l *Ledger) rolloverOne(accountID string) error {
	return l.withAccount(accountID, func(a *types.Account) error {
		rollover := a.BalanceMillis
		if rollover > a.RolloverCapacityMillis {
			rollover = a.RolloverCapacityMillis
		}
		now := time.Now()
		a.LastRolloverCreditsMillis = rollover
		a.BalanceMillis += a.MonthlyAllocationMillis
		a.LastRolloverAt = &now
		return l.recordTx(a, types.TxRollover, a.MonthlyAllocationMillis, "monthly rollover", "")
	})
}

// PredictDepletion returns hours of runway at ratePerHourMillis; a
// non-positive rate yields -1 (unbounded), mirroring usage.PredictDepletionHours.
func (l *Ledger) PredictDepletion(accountID string, ratePerHourMillis int64) (float64, error) {
	a, err := l.st.GetAccount(accountID)
	if err != nil {
		return 0, err
	}
	if ratePerHourMillis <= 0 {
		return -1, nil
	}
	return float64(a.BalanceMillis) / float64(ratePerHourMillis), nil
}

// ConsumeTeamPool debits a TeamPool, failing with errs.CapExceeded when
// the member's daily/monthly cap would be exceeded and errs.ApprovalRequired
// when the amount exceeds the pool's approval threshold — resolving the
// distilled spec's Open Question on team-pool confirmation by returning
// the error without mutating any balance; the caller surfaces it to an
// external approver and retries.
func (l *Ledger) ConsumeTeamPool(ctx context.Context, poolID string, amountMillis int64, memberSpentToday, memberSpentMonth int64) error {
	mu := l.lockFor("teampool:" + poolID)
	mu.Lock()
	defer mu.Unlock()

	p, err := l.st.GetTeamPool(poolID)
	if err != nil {
		return err
	}

	if p.MemberDailyCapMillis > 0 && memberSpentToday+amountMillis > p.MemberDailyCapMillis {
		return errs.New(errs.CapExceeded, "member daily cap exceeded")
	}
	if p.MemberMonthlyCapMillis > 0 && memberSpentMonth+amountMillis > p.MemberMonthlyCapMillis {
		return errs.New(errs.CapExceeded, "member monthly cap exceeded")
	}
	if p.ApprovalThresholdMillis > 0 && amountMillis > p.ApprovalThresholdMillis {
		return errs.New(errs.ApprovalRequired, "amount exceeds team pool approval threshold")
	}
	if p.BalanceMillis-amountMillis < 0 {
		return errs.New(errs.InsufficientBalance, "team pool has insufficient balance")
	}

	p.BalanceMillis -= amountMillis
	p.TotalConsumedMillis += amountMillis
	return l.st.UpdateTeamPool(p)
}

// sortedAccountIDs returns the two ids in sorted order, so gift's lock
// ordering is deterministic regardless of argument order.
func sortedAccountIDs(a, b string) (string, string) {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0], ids[1]
}
