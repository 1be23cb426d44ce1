package orchestrator_test

import (
	"context"
	"encoding/base64"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/driver/memdriver"
	"github.com/forgehq/runtime-core/internal/ledger"
	"github.com/forgehq/runtime-core/internal/metrics"
	"github.com/forgehq/runtime-core/internal/orchestrator"
	"github.com/forgehq/runtime-core/internal/pool"
	"github.com/forgehq/runtime-core/internal/store/memstore"
	"github.com/forgehq/runtime-core/internal/types"
	"github.com/forgehq/runtime-core/internal/usage"
)

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.SampleInterval = 5 * time.Millisecond
	cfg.HealthProbeInterval = 10 * time.Millisecond
	cfg.HealthProbeTimeout = time.Second
	cfg.HealthMaxFailures = 2
	cfg.IdleLoopInterval = 10 * time.Millisecond
	cfg.CommitInterval = time.Hour
	return cfg
}

func newHarness(t *testing.T) (*orchestrator.Orchestrator, *memstore.Store, driver.Driver) {
	cfg := testConfig(t)
	st := memstore.New()
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	pl := pool.New(drv, cfg.Pool)
	sampler := metrics.New(drv, cfg.SampleInterval, cfg.HistoryWindow)
	l := ledger.New(st, cfg)
	m := usage.New(cfg, l, nil)

	orch := orchestrator.New(drv, pl, sampler, m, st, cfg)
	m.SetHandler(orch)
	sampler.Subscribe(m)

	require.NoError(t, st.CreateAccount(&types.Account{ID: "acc-1", UserRef: "user-1", BalanceMillis: 1_000_000}))

	orch.RegisterRuntime(types.PoolKey{Runtime: "python", Version: "3.12"}, driver.SandboxSpec{
		Image:   "python:3.12",
		Timeout: time.Minute,
	})
	return orch, st, drv
}

func TestAssignColdCreatesAndBindsSession(t *testing.T) {
	orch, st, _ := newHarness(t)

	sessionID, err := orch.Assign(context.Background(), "user-1", "proj-1", "python", "3.12", types.EnvProduction, false)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	sess, err := st.GetSession(sessionID)
	require.NoError(t, err)
	assert.True(t, sess.IsActive())

	sbx, err := st.GetSandbox(sess.AssignedSandboxRef)
	require.NoError(t, err)
	assert.Equal(t, types.SandboxRunning, sbx.State)
}

func TestReapIsIdempotentAndFinalizesSession(t *testing.T) {
	orch, st, _ := newHarness(t)

	sessionID, err := orch.Assign(context.Background(), "user-1", "proj-1", "python", "3.12", types.EnvProduction, false)
	require.NoError(t, err)

	sess, err := st.GetSession(sessionID)
	require.NoError(t, err)
	sandboxID := sess.AssignedSandboxRef

	require.NoError(t, orch.Reap(context.Background(), sandboxID, types.TerminationAdmin))
	require.NoError(t, orch.Reap(context.Background(), sandboxID, types.TerminationAdmin)) // idempotent

	sbx, err := st.GetSandbox(sandboxID)
	require.NoError(t, err)
	assert.Equal(t, types.SandboxGone, sbx.State)

	sess, err = st.GetSession(sessionID)
	require.NoError(t, err)
	assert.False(t, sess.IsActive())
	assert.Equal(t, types.TerminationAdmin, sess.TerminationCause)
}

func TestRescaleHotAppliesLimits(t *testing.T) {
	orch, st, _ := newHarness(t)

	sessionID, err := orch.Assign(context.Background(), "user-1", "proj-1", "python", "3.12", types.EnvProduction, false)
	require.NoError(t, err)
	sess, _ := st.GetSession(sessionID)

	newLimits := types.ResourceLimits{CPUShares: 2.0, MemBytes: 1 << 30}
	require.NoError(t, orch.Rescale(context.Background(), sess.AssignedSandboxRef, newLimits))

	sbx, err := st.GetSandbox(sess.AssignedSandboxRef)
	require.NoError(t, err)
	assert.Equal(t, newLimits, sbx.Limits)
}

func TestCloneViaCheckpointRestore(t *testing.T) {
	orch, st, _ := newHarness(t)

	sessionID, err := orch.Assign(context.Background(), "user-1", "proj-1", "python", "3.12", types.EnvProduction, false)
	require.NoError(t, err)
	sess, _ := st.GetSession(sessionID)

	newID, err := orch.Clone(context.Background(), sess.AssignedSandboxRef, "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, sess.AssignedSandboxRef, newID)

	clone, err := st.GetSandbox(newID)
	require.NoError(t, err)
	assert.Equal(t, "user-2", clone.Labels.Owner)
}

func TestHealthLoopEscalatesToReapAfterConsecutiveFailures(t *testing.T) {
	orch, st, drv := newHarness(t)
	orch.Start()
	defer orch.Stop()

	sessionID, err := orch.Assign(context.Background(), "user-1", "proj-1", "python", "3.12", types.EnvProduction, false)
	require.NoError(t, err)
	sess, _ := st.GetSession(sessionID)
	sandboxID := sess.AssignedSandboxRef

	sbx, _ := st.GetSandbox(sandboxID)
	require.NoError(t, drv.Delete(context.Background(), sbx.EngineHandle)) // engine forgets the handle -> Info fails

	assert.Eventually(t, func() bool {
		sbx, err := st.GetSandbox(sandboxID)
		return err == nil && sbx.State == types.SandboxGone
	}, 2*time.Second, 5*time.Millisecond)
}

// TestIdleLoopReapsPromptlyOnceMeterReportsIdle guards against
// double-gating idle reap behind both the Usage Meter's own idle streak
// and a second orchestrator-level timer: once usage.Meter.IsIdle is
// true, the idle loop must reap on its very next sweep.
func TestIdleLoopReapsPromptlyOnceMeterReportsIdle(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleDurationThreshold = 5 * time.Millisecond
	st := memstore.New()
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	pl := pool.New(drv, cfg.Pool)
	sampler := metrics.New(drv, cfg.SampleInterval, cfg.HistoryWindow)
	l := ledger.New(st, cfg)
	m := usage.New(cfg, l, nil)

	orch := orchestrator.New(drv, pl, sampler, m, st, cfg)
	m.SetHandler(orch)

	require.NoError(t, st.CreateAccount(&types.Account{ID: "acc-1", UserRef: "user-1", BalanceMillis: 1_000_000}))
	orch.RegisterRuntime(types.PoolKey{Runtime: "python", Version: "3.12"}, driver.SandboxSpec{
		Image: "python:3.12", Timeout: time.Minute,
	})

	orch.Start()
	defer orch.Stop()

	sessionID, err := orch.Assign(context.Background(), "user-1", "proj-1", "python", "3.12", types.EnvProduction, false)
	require.NoError(t, err)
	sess, _ := st.GetSession(sessionID)
	sandboxID := sess.AssignedSandboxRef

	idleSnap := types.ResourceSnapshot{SessionRef: sessionID, TS: time.Now(), CPUPercent: 0, MemBytes: 0}
	m.OnSnapshot(idleSnap)
	time.Sleep(cfg.IdleDurationThreshold * 2)
	idleSnap.TS = time.Now()
	m.OnSnapshot(idleSnap)
	require.True(t, m.IsIdle(sessionID))

	assert.Eventually(t, func() bool {
		sbx, err := st.GetSandbox(sandboxID)
		return err == nil && sbx.State == types.SandboxGone
	}, time.Second, 5*time.Millisecond)
}

// TestAssignFromPoolRepurposesLimitsAndWorkspace guards against handing
// a new tenant a warm-pool sandbox that still carries another tenant's
// resource limits or workspace content: acquiring from the pool must
// hot-apply the key's canonical limits and re-seed the workspace from
// the registered spec's context files.
func TestAssignFromPoolRepurposesLimitsAndWorkspace(t *testing.T) {
	cfg := testConfig(t)
	st := memstore.New()
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	pl := pool.New(drv, cfg.Pool)
	sampler := metrics.New(drv, cfg.SampleInterval, cfg.HistoryWindow)
	l := ledger.New(st, cfg)
	m := usage.New(cfg, l, nil)
	orch := orchestrator.New(drv, pl, sampler, m, st, cfg)
	m.SetHandler(orch)

	require.NoError(t, st.CreateAccount(&types.Account{ID: "acc-1", UserRef: "user-1", BalanceMillis: 1_000_000}))

	key := types.PoolKey{Runtime: "node", Version: "20"}
	seedContent := "fresh-tenant-seed"
	spec := driver.SandboxSpec{
		Image:   "node:20",
		Timeout: time.Minute,
		Limits:  types.ResourceLimits{CPUShares: 2.0, MemBytes: 1 << 30},
		Context: []driver.FileInjection{
			{Path: "/workspace/seed.txt", ContentBase64: base64.StdEncoding.EncodeToString([]byte(seedContent))},
		},
	}
	orch.RegisterRuntime(key, spec)
	require.NoError(t, pl.WarmUp(context.Background(), key, spec))

	sessionID, err := orch.Assign(context.Background(), "user-1", "proj-1", "node", "20", types.EnvProduction, false)
	require.NoError(t, err)
	sess, _ := st.GetSession(sessionID)

	sbx, err := st.GetSandbox(sess.AssignedSandboxRef)
	require.NoError(t, err)
	assert.Equal(t, spec.Limits, sbx.Limits)

	rc, err := drv.GetArchive(context.Background(), sbx.EngineHandle, "/workspace/seed.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, seedContent, string(data))
}

func TestStatsSnapshotReflectsTrackedSandboxes(t *testing.T) {
	orch, _, _ := newHarness(t)

	_, err := orch.Assign(context.Background(), "user-1", "proj-1", "python", "3.12", types.EnvProduction, false)
	require.NoError(t, err)

	snap := orch.StatsSnapshot()
	assert.Equal(t, 1, snap.Tracked)
	assert.Equal(t, 1, snap.ByState[types.SandboxRunning])
}
