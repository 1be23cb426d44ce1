package usage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/types"
	"github.com/forgehq/runtime-core/internal/usage"
)

type fakeLedger struct {
	mu    sync.Mutex
	calls []int64
	fail  bool
}

func (f *fakeLedger) Consume(ctx context.Context, accountRef string, amountMillis int64, reason, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.calls = append(f.calls, amountMillis)
	return nil
}

type fakeHandler struct {
	mu        sync.Mutex
	exhausted []string
	lowBal    []string
}

func (h *fakeHandler) OnCreditExhausted(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exhausted = append(h.exhausted, sessionID)
}
func (h *fakeHandler) OnLowBalance(sessionID string, remainingHours float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lowBal = append(h.lowBal, sessionID)
}

func testConfig() *config.Config {
	cfg, _ := config.Load()
	cfg.IdleCPUThresholdPct = 1.0
	cfg.IdleMemThresholdBytes = 100 * 1024 * 1024
	cfg.IdleDurationThreshold = 5 * time.Minute
	cfg.SampleInterval = time.Second
	cfg.CommitInterval = time.Hour
	cfg.Rates.CPUUnitRateMillis = 1000
	cfg.EnvMult.Production = 1000
	return cfg
}

func TestActiveSnapshotAccruesCost(t *testing.T) {
	ledger := &fakeLedger{}
	m := usage.New(testConfig(), ledger, &fakeHandler{})
	m.Track("sess-1", "acc-1", types.EnvProduction)

	// the interval since Track is only microseconds, so the CPU/memory share
	// is far below one millicredit; 1 MiB of disk reads adds a whole 10
	// millicredits at the default IO rate, enough to survive commit rounding
	m.OnSnapshot(types.ResourceSnapshot{SessionRef: "sess-1", TS: time.Now(), CPUPercent: 50, MemBytes: 512 * 1024 * 1024, DiskReadBytes: 1 << 20})

	m.CommitFinal("sess-1")
	require.Len(t, ledger.calls, 1)
	assert.Greater(t, ledger.calls[0], int64(0))
}

func TestSustainedIdleStopsAccrual(t *testing.T) {
	cfg := testConfig()
	cfg.IdleDurationThreshold = 0 // idle immediately on the first below-threshold snapshot
	ledger := &fakeLedger{}
	m := usage.New(cfg, ledger, &fakeHandler{})
	m.Track("sess-2", "acc-2", types.EnvProduction)

	// with a zero threshold the first below-threshold snapshot already marks
	// the session idle, so it accrues nothing
	m.OnSnapshot(types.ResourceSnapshot{SessionRef: "sess-2", TS: time.Now(), CPUPercent: 0.1, MemBytes: 1024})
	assert.True(t, m.IsIdle("sess-2"))

	ledger.mu.Lock()
	afterFirst := len(ledger.calls)
	ledger.mu.Unlock()
	_ = afterFirst

	// a second below-threshold snapshot, now that the session is idle, must not accrue further
	m.OnSnapshot(types.ResourceSnapshot{SessionRef: "sess-2", TS: time.Now(), CPUPercent: 0.1, MemBytes: 1024})
	m.CommitFinal("sess-2")

	require.LessOrEqual(t, len(ledger.calls), 1)
}

func TestExhaustionNotifiesHandler(t *testing.T) {
	ledger := &fakeLedger{fail: true}
	handler := &fakeHandler{}
	m := usage.New(testConfig(), ledger, handler)
	m.Track("sess-3", "acc-3", types.EnvProduction)

	// disk reads make the commit at least one whole millicredit, so Consume runs
	m.OnSnapshot(types.ResourceSnapshot{SessionRef: "sess-3", TS: time.Now(), CPUPercent: 80, MemBytes: 1024 * 1024 * 1024, DiskReadBytes: 1 << 20})
	m.CommitFinal("sess-3")

	assert.Equal(t, []string{"sess-3"}, handler.exhausted)
}

func TestPredictDepletionHours(t *testing.T) {
	assert.Equal(t, 2.0, usage.PredictDepletionHours(2000, 1000))
	assert.Equal(t, float64(-1), usage.PredictDepletionHours(2000, 0))
}
