// Package usage implements the Usage Meter (spec §4.5): idle
// classification, per-interval credit cost accrual, hourly-rate
// estimation, and commit-to-ledger on a timer and at reap. Grounded
// operation-for-operation on the original_source's UsageCalculator
// (_check_idle_state, _calculate_interval_credits, _estimate_hourly_rate,
// predict_credits_remaining), translated from float credits to integer
// millicredits so interval costs accumulate exactly and round only at
// ledger commit (resolves the distilled spec's Open Question on
// rounding).
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/log"
	"github.com/forgehq/runtime-core/internal/obsmetrics"
	"github.com/forgehq/runtime-core/internal/types"
)

// Ledger is the narrow view the Meter needs of the Credits Ledger: a
// single atomic debit-and-record operation.
type Ledger interface {
	Consume(ctx context.Context, accountRef string, amountMillis int64, reason, reference string) error
}

// ExhaustionHandler is notified when a session's account cannot absorb
// its accumulated debit; the Orchestrator implements this to reap with
// cause=credit_exhausted.
type ExhaustionHandler interface {
	OnCreditExhausted(sessionID string)
	OnLowBalance(sessionID string, remainingHours float64)
}

type sessionState struct {
	mu sync.Mutex

	accountRef       string
	environmentClass types.EnvironmentClass

	isIdle        bool
	idleSince     time.Time
	lastActivity  time.Time

	accumulatedMillisFixed int64 // fixed-point, scaled by fixedScale
	recentCostsFixed       []int64
	lastIntervalAt         time.Time
}

// fixedScale keeps interval-cost accrual exact: costs are tracked in
// millicredits scaled by 1e6 internally and only divided down (and
// rounded) when committed to the ledger.
const fixedScale = 1_000_000

// Meter implements metrics.Subscriber, consuming ResourceSnapshots from
// the Sampler for every active session.
type Meter struct {
	cfg    *config.Config
	ledger Ledger
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState

	handlerMu sync.RWMutex
	handler   ExhaustionHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Meter against the given Ledger and config.
func New(cfg *config.Config, ledger Ledger, handler ExhaustionHandler) *Meter {
	return &Meter{
		cfg:      cfg,
		ledger:   ledger,
		handler:  handler,
		logger:   log.Component("usage.meter"),
		sessions: make(map[string]*sessionState),
		stopCh:   make(chan struct{}),
	}
}

// Track registers a session for metering; must be called before the
// Sampler begins pushing snapshots for it.
func (m *Meter) Track(sessionID, accountRef string, envClass types.EnvironmentClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &sessionState{
		accountRef:       accountRef,
		environmentClass: envClass,
		lastActivity:     time.Now(),
		lastIntervalAt:   time.Now(),
	}
}

// SetHandler (re)binds the ExhaustionHandler, used when the handler
// (the Orchestrator) is itself constructed after the Meter to break the
// construction cycle between the two.
func (m *Meter) SetHandler(handler ExhaustionHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = handler
}

func (m *Meter) currentHandler() ExhaustionHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

// Untrack removes bookkeeping state for a session without committing;
// callers must call CommitFinal first if a final charge is needed.
func (m *Meter) Untrack(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// OnSnapshot implements metrics.Subscriber.
func (m *Meter) OnSnapshot(snap types.ResourceSnapshot) {
	m.mu.RLock()
	st, ok := m.sessions[snap.SessionRef]
	m.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	interval := time.Since(st.lastIntervalAt)
	if interval <= 0 {
		interval = m.cfg.SampleInterval
	}
	st.lastIntervalAt = snap.TS

	idle := m.classifyIdle(st, snap)
	snap.IsIdle = idle.snapshotIdle

	if !st.isIdle {
		costFixed := m.intervalCostFixed(st.environmentClass, snap, interval)
		st.accumulatedMillisFixed += costFixed
		st.recentCostsFixed = appendBounded(st.recentCostsFixed, costFixed, 60)
	}
}

type idleResult struct {
	snapshotIdle bool
}

// classifyIdle applies spec §4.5's additive-only threshold rule — no
// baseline subtraction (resolves the distilled spec's idle-baseline
// Open Question) — and tracks the continuous-idle streak.
func (m *Meter) classifyIdle(st *sessionState, snap types.ResourceSnapshot) idleResult {
	snapshotIdle := snap.CPUPercent < m.cfg.IdleCPUThresholdPct && snap.MemBytes < m.cfg.IdleMemThresholdBytes

	if !snapshotIdle {
		if st.isIdle {
			st.isIdle = false
		}
		st.lastActivity = time.Now()
		st.idleSince = time.Time{}
		return idleResult{snapshotIdle: false}
	}

	if st.idleSince.IsZero() {
		st.idleSince = time.Now()
	}
	if !st.isIdle && time.Since(st.idleSince) >= m.cfg.IdleDurationThreshold {
		st.isIdle = true
	}
	return idleResult{snapshotIdle: snapshotIdle}
}

// intervalCostFixed implements spec §4.5's cost formula, grounded on
// _calculate_interval_credits, returning millicredits scaled by
// fixedScale so successive additions never lose precision.
func (m *Meter) intervalCostFixed(envClass types.EnvironmentClass, snap types.ResourceSnapshot, interval time.Duration) int64 {
	hours := interval.Seconds() / 3600.0
	mult := float64(m.cfg.EnvironmentMultiplierFor(string(envClass))) / 1000.0

	cpuCores := snap.CPUPercent / 100.0
	memGiB := float64(snap.MemBytes) / (1 << 30)
	diskMB := float64(0)
	netMB := float64(0)
	if snap.DiskReadBytes > 0 {
		diskMB += float64(snap.DiskReadBytes) / (1 << 20)
	}
	if snap.DiskWriteBytes > 0 {
		diskMB += float64(snap.DiskWriteBytes) / (1 << 20)
	}
	if snap.NetRxBytes > 0 {
		netMB += float64(snap.NetRxBytes) / (1 << 20)
	}
	if snap.NetTxBytes > 0 {
		netMB += float64(snap.NetTxBytes) / (1 << 20)
	}

	cost := cpuCores*hours*float64(m.cfg.Rates.CPUUnitRateMillis) +
		memGiB*hours*float64(m.cfg.Rates.MemUnitRateMillis) +
		diskMB*float64(m.cfg.Rates.IOUnitRateMillis) +
		netMB*float64(m.cfg.Rates.BandwidthUnitRateMillis)

	if snap.GPUPercent != nil {
		cost += (*snap.GPUPercent / 100.0) * hours * float64(m.cfg.Rates.GPUUnitRateMillis)
	}

	cost *= mult
	return int64(cost * fixedScale)
}

func appendBounded(s []int64, v int64, max int) []int64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// EstimateHourlyRateMillis implements _estimate_hourly_rate: average the
// recent interval costs and scale to a per-hour figure.
func (m *Meter) EstimateHourlyRateMillis(sessionID string) int64 {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.recentCostsFixed) == 0 {
		return 0
	}

	var sum int64
	for _, c := range st.recentCostsFixed {
		sum += c
	}
	avgFixed := sum / int64(len(st.recentCostsFixed))

	samplesPerHour := 3600.0 / m.cfg.SampleInterval.Seconds()
	return int64(float64(avgFixed) * samplesPerHour / fixedScale)
}

// PredictDepletionHours implements predict_credits_remaining: returns
// -1 (unbounded) when the current rate is zero or negative.
func PredictDepletionHours(balanceMillis, ratePerHourMillis int64) float64 {
	if ratePerHourMillis <= 0 {
		return -1 // caller treats negative as "unbounded"
	}
	return float64(balanceMillis) / float64(ratePerHourMillis)
}

// Start launches the commit-interval timer loop.
func (m *Meter) Start() {
	m.wg.Add(1)
	go m.runCommitLoop()
}

// Stop halts the commit loop.
func (m *Meter) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Meter) runCommitLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.commitAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Meter) commitAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.commitOne(id, "interval commit")
	}
}

func (m *Meter) commitOne(sessionID, reason string) {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	amountFixed := st.accumulatedMillisFixed
	st.accumulatedMillisFixed = 0
	accountRef := st.accountRef
	st.mu.Unlock()

	if amountFixed <= 0 {
		return
	}
	amountMillis := amountFixed / fixedScale
	if amountMillis <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handler := m.currentHandler()

	if err := m.ledger.Consume(ctx, accountRef, amountMillis, reason, sessionID); err != nil {
		m.logger.Warn().Err(err).Str("session", sessionID).Msg("credit commit failed, signaling exhaustion")
		if handler != nil {
			handler.OnCreditExhausted(sessionID)
		}
		return
	}
	obsmetrics.CreditCommits.Inc()

	if handler != nil {
		rate := m.EstimateHourlyRateMillis(sessionID)
		if rate > 0 {
			hours := PredictDepletionHours(amountMillis, rate)
			if hours >= 0 && hours < 1 {
				handler.OnLowBalance(sessionID, hours)
			}
		}
	}
}

// CommitFinal forces an immediate commit for a session, used by
// Orchestrator.reap before destroying the sandbox.
func (m *Meter) CommitFinal(sessionID string) {
	m.commitOne(sessionID, "final commit")
}

// IsIdle reports whether a tracked session is currently classified idle.
func (m *Meter) IsIdle(sessionID string) bool {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.isIdle
}
