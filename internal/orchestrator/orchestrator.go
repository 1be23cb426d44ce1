// Package orchestrator implements the Orchestrator (spec §4.3):
// assign/rescale/clone/reap/status/stats_snapshot, plus the health and
// idle background loops that keep per-sandbox state honest. Credit
// exhaustion arrives as a callback from the Usage Meter, and autoscaling
// runs in internal/pool. Grounded on cuemby-warren's pkg/worker/health_monitor.go
// (cancel-fn-per-entity map, ticker-driven sync, consecutive-failure
// escalation) generalized from container health to sandbox health, on
// pkg/scheduler/scheduler.go for the top-level Start/Stop/ticker-loop
// shape, and on the original_source's container_orchestrator.py for
// loop cadences and the clone-via-checkpoint-or-archive-fallback
// decision.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/log"
	"github.com/forgehq/runtime-core/internal/metrics"
	"github.com/forgehq/runtime-core/internal/obsmetrics"
	"github.com/forgehq/runtime-core/internal/pool"
	"github.com/forgehq/runtime-core/internal/store"
	"github.com/forgehq/runtime-core/internal/types"
	"github.com/forgehq/runtime-core/internal/usage"
)

// StatsSnapshot is returned by Orchestrator.StatsSnapshot: pool sizing
// plus a per-state count of tracked sandboxes.
type StatsSnapshot struct {
	Pool      []pool.Stats
	ByState   map[types.SandboxState]int
	Tracked   int
}

// trackedSandbox is the Orchestrator's in-memory bookkeeping for a
// sandbox under its supervision, independent of what's persisted.
type trackedSandbox struct {
	sandboxID      string
	sessionID      string
	engineHandle   string
	healthFailures int
}

// Orchestrator wires the Driver, Pool, Metrics Sampler, Usage Meter, and
// Store together and serializes every state
// transition per sandbox, per spec §4.3's ordering guarantee.
type Orchestrator struct {
	drv     driver.Driver
	pl      *pool.Pool
	sampler *metrics.Sampler
	meter   *usage.Meter
	st      store.Store
	cfg     *config.Config
	logger  zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu       sync.RWMutex
	tracked  map[string]*trackedSandbox // keyed by sandboxID

	metricsCollector *obsmetrics.Collector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetMetricsCollector wires the obsmetrics.Collector the same way
// usage.Meter.SetHandler does: cmd/forge-server constructs the Collector
// before the Orchestrator so it can Subscribe it to the Sampler, then
// hands it back here so Reap can tell it a session ended.
func (o *Orchestrator) SetMetricsCollector(c *obsmetrics.Collector) {
	o.metricsCollector = c
}

// New wires an Orchestrator from its already-constructed collaborators.
// The Credits Ledger is not a direct collaborator: the Orchestrator only
// ever debits through the Usage Meter, never directly.
func New(drv driver.Driver, pl *pool.Pool, sampler *metrics.Sampler, meter *usage.Meter, st store.Store, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		drv:     drv,
		pl:      pl,
		sampler: sampler,
		meter:   meter,
		st:      st,
		cfg:     cfg,
		logger:  log.Component("orchestrator"),
		locks:   make(map[string]*sync.Mutex),
		tracked: make(map[string]*trackedSandbox),
		stopCh:  make(chan struct{}),
	}
}

func (o *Orchestrator) lockFor(sandboxID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	m, ok := o.locks[sandboxID]
	if !ok {
		m = &sync.Mutex{}
		o.locks[sandboxID] = m
	}
	return m
}

// RegisterRuntime associates a (runtime, version) key with the spec
// template used both for pool warm-up and for cold assign() misses.
func (o *Orchestrator) RegisterRuntime(key types.PoolKey, spec driver.SandboxSpec) {
	o.pl.RegisterKey(key, spec)
}

// DefaultWorkspaceKey is the pool key BindForProject assigns against
// when a project has no active Session yet: a generic workspace
// container, mirroring the teacher's get_or_create_container call which
// likewise carries no runtime/version — the IDE Multiplexer's auth
// message only carries a project, not a language runtime.
var DefaultWorkspaceKey = types.PoolKey{Runtime: "workspace", Version: "default"}

// BindForProject returns the Sandbox already bound to an active Session
// for (userRef, projectRef), or assigns a fresh default-workspace Sandbox
// if none exists. Used by the IDE Multiplexer on successful auth.
func (o *Orchestrator) BindForProject(ctx context.Context, userRef, projectRef string) (string, error) {
	sessions, err := o.st.ListActiveSessions()
	if err != nil {
		return "", err
	}
	for _, sess := range sessions {
		if sess.UserRef == userRef && sess.ProjectRef == projectRef {
			return sess.AssignedSandboxRef, nil
		}
	}

	sessionID, err := o.Assign(ctx, userRef, projectRef, DefaultWorkspaceKey.Runtime, DefaultWorkspaceKey.Version, types.EnvDevelopment, false)
	if err != nil {
		return "", err
	}
	sess, err := o.st.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	return sess.AssignedSandboxRef, nil
}

// Assign binds userRef/projectRef to a Sandbox for runtime/version,
// attempting pool acquisition first and falling back to a fresh create
// on miss (or when forceNew is set), per spec §4.3.
func (o *Orchestrator) Assign(ctx context.Context, userRef, projectRef, runtime, version string, envClass types.EnvironmentClass, forceNew bool) (string, error) {
	timer := obsmetrics.NewTimer()
	defer timer.ObserveDuration(obsmetrics.SandboxCreateLatency)

	key := types.PoolKey{Runtime: runtime, Version: version}

	var sbx *types.Sandbox
	var fromPool bool
	if !forceNew {
		if acquired, ok := o.pl.Acquire(ctx, key); ok {
			spec, ok := o.pl.SpecFor(key)
			if !ok {
				return "", errs.New(errs.InvalidConfig, fmt.Sprintf("no spec registered for runtime %s/%s", runtime, version))
			}
			if err := o.repurposePoolEntry(ctx, acquired, spec); err != nil {
				o.logger.Warn().Err(err).Str("sandbox", acquired.ID).Msg("failed to repurpose pool sandbox, destroying and falling back to fresh create")
				o.destroyDiscardedEntry(acquired)
			} else {
				sbx, fromPool = acquired, true
			}
		}
	}

	if sbx == nil {
		spec, ok := o.pl.SpecFor(key)
		if !ok {
			return "", errs.New(errs.InvalidConfig, fmt.Sprintf("no spec registered for runtime %s/%s", runtime, version))
		}
		handle, err := o.drv.Create(ctx, spec)
		if err != nil {
			return "", errs.Wrap(errs.EngineUnavailable, "create sandbox", err)
		}
		if err := o.drv.Start(ctx, handle); err != nil {
			return "", errs.Wrap(errs.EngineUnavailable, "start sandbox", err)
		}
		sbx = &types.Sandbox{
			Runtime:      runtime,
			Version:      version,
			Limits:       spec.Limits,
			State:        types.SandboxCreating,
			EngineHandle: handle,
			Labels: types.SandboxLabels{
				Owner:     userRef,
				Project:   projectRef,
				CreatedAt: time.Now(),
			},
		}
	}

	if sbx.ID == "" {
		sbx.ID = uuid.NewString()
	}
	sbx.Labels.Owner = userRef
	sbx.Labels.Project = projectRef
	sbx.Labels.Pooled = false
	sbx.State = types.SandboxRunning

	sessionID := uuid.NewString()
	sbx.Labels.Session = sessionID

	if err := o.st.CreateSandbox(sbx); err != nil {
		return "", err
	}

	now := time.Now()
	sess := &types.Session{
		ID:                 sessionID,
		UserRef:            userRef,
		ProjectRef:         projectRef,
		AssignedSandboxRef: sbx.ID,
		EnvironmentClass:   envClass,
		StartedAt:          now,
		LastActivityAt:     now,
	}
	if err := o.st.CreateSession(sess); err != nil {
		return "", err
	}

	o.mu.Lock()
	o.tracked[sbx.ID] = &trackedSandbox{
		sandboxID:    sbx.ID,
		sessionID:    sessionID,
		engineHandle: sbx.EngineHandle,
	}
	o.mu.Unlock()

	accountRef, err := o.accountRefFor(userRef)
	if err != nil {
		o.logger.Warn().Err(err).Str("user", userRef).Msg("no billing account for user, usage will not be metered")
	} else {
		o.meter.Track(sessionID, accountRef, envClass)
	}
	o.sampler.Start(sessionID, sbx.EngineHandle)
	obsmetrics.SandboxesCreated.Inc()

	o.logger.Info().Str("sandbox", sbx.ID).Str("session", sessionID).Bool("from_pool", fromPool).Msg("assigned sandbox")
	return sessionID, nil
}

// repurposePoolEntry prepares a warm-pool sandbox for a new tenant per
// spec §4.2: hot-apply the key's canonical limits, wipe the prior
// occupant's workspace and any state it could leak, then seed the
// workspace with the spec's own context files, exactly as a fresh
// Create would. Any failure leaves sbx untouched for the caller to
// destroy and fall back to a cold create.
func (o *Orchestrator) repurposePoolEntry(ctx context.Context, sbx *types.Sandbox, spec driver.SandboxSpec) error {
	if err := o.drv.UpdateLimits(ctx, sbx.EngineHandle, spec.Limits); err != nil {
		return errs.Wrap(errs.EngineUnavailable, "repurpose: update limits", err)
	}

	clearCmd := []string{"sh", "-c", "rm -rf /workspace/. 2>/dev/null || true"}
	streams, err := o.drv.Exec(ctx, sbx.EngineHandle, clearCmd, nil, false, "/")
	if err != nil {
		return errs.Wrap(errs.EngineUnavailable, "repurpose: clear prior workspace", err)
	}
	if code, err := streams.Wait(ctx); err != nil {
		return errs.Wrap(errs.EngineUnavailable, "repurpose: wait for workspace clear", err)
	} else if code != 0 {
		return errs.New(errs.EngineUnavailable, fmt.Sprintf("repurpose: workspace clear exited %d", code))
	}

	workDir := spec.WorkDir
	if workDir == "" {
		workDir = "/workspace"
	}
	for _, file := range spec.Context {
		data, err := base64.StdEncoding.DecodeString(file.ContentBase64)
		if err != nil {
			return errs.Wrap(errs.InvalidConfig, "repurpose: decode context file "+file.Path, err)
		}
		targetPath := file.Path
		if !filepath.IsAbs(targetPath) {
			targetPath = filepath.Join(workDir, targetPath)
		}
		if err := o.drv.PutArchive(ctx, sbx.EngineHandle, targetPath, bytes.NewReader(data)); err != nil {
			return errs.Wrap(errs.EngineUnavailable, "repurpose: attach workspace file "+file.Path, err)
		}
	}

	sbx.Limits = spec.Limits
	return nil
}

// destroyDiscardedEntry tears down a pool-sourced sandbox that failed
// repurposing. It was never persisted to the store (pool entries are
// stored only once assigned), so it is torn down directly through the
// Driver rather than via Reap.
func (o *Orchestrator) destroyDiscardedEntry(sbx *types.Sandbox) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.drv.Stop(ctx, sbx.EngineHandle); err != nil {
		o.logger.Warn().Err(err).Str("sandbox", sbx.ID).Msg("stop failed while discarding unrepurposable pool sandbox")
	}
	if err := o.drv.Delete(ctx, sbx.EngineHandle); err != nil {
		o.logger.Warn().Err(err).Str("sandbox", sbx.ID).Msg("delete failed while discarding unrepurposable pool sandbox")
	}
}

func (o *Orchestrator) accountRefFor(userRef string) (string, error) {
	a, err := o.st.GetAccountByUser(userRef)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// Rescale hot-applies new resource limits to a running sandbox and
// records the change, serialized per sandbox.
func (o *Orchestrator) Rescale(ctx context.Context, sandboxID string, newLimits types.ResourceLimits) error {
	mu := o.lockFor(sandboxID)
	mu.Lock()
	defer mu.Unlock()

	sbx, err := o.st.GetSandbox(sandboxID)
	if err != nil {
		return err
	}
	if err := o.drv.UpdateLimits(ctx, sbx.EngineHandle, newLimits); err != nil {
		return errs.Wrap(errs.EngineUnavailable, "update limits", err)
	}
	sbx.Limits = newLimits
	return o.st.UpdateSandbox(sbx)
}

// Clone produces a new sandbox owned by newOwner, derived from
// sourceSandboxID's current state. It prefers the Driver's
// checkpoint/restore pair; when the Driver doesn't support it, it falls
// back to creating a fresh sandbox of the same spec and copying the
// workspace archive across, mirroring original_source's clone_container.
func (o *Orchestrator) Clone(ctx context.Context, sourceSandboxID, newOwner string) (string, error) {
	mu := o.lockFor(sourceSandboxID)
	mu.Lock()
	defer mu.Unlock()

	src, err := o.st.GetSandbox(sourceSandboxID)
	if err != nil {
		return "", err
	}

	var newHandle string
	ref, err := o.drv.Checkpoint(ctx, src.EngineHandle)
	switch {
	case err == nil:
		newHandle, err = o.drv.Restore(ctx, ref)
		if err != nil {
			return "", errs.Wrap(errs.EngineUnavailable, "restore from checkpoint", err)
		}
	case errs.Is(err, errs.NotSupported):
		newHandle, err = o.cloneViaArchive(ctx, src)
		if err != nil {
			return "", err
		}
	default:
		return "", errs.Wrap(errs.EngineUnavailable, "checkpoint", err)
	}

	if err := o.drv.Start(ctx, newHandle); err != nil {
		return "", errs.Wrap(errs.EngineUnavailable, "start cloned sandbox", err)
	}

	clone := &types.Sandbox{
		ID:              uuid.NewString(),
		Runtime:         src.Runtime,
		Version:         src.Version,
		Limits:          src.Limits,
		SecurityProfile: src.SecurityProfile,
		State:           types.SandboxRunning,
		EngineHandle:    newHandle,
		Labels: types.SandboxLabels{
			Owner:     newOwner,
			Project:   src.Labels.Project,
			CreatedAt: time.Now(),
		},
	}
	if err := o.st.CreateSandbox(clone); err != nil {
		return "", err
	}
	return clone.ID, nil
}

func (o *Orchestrator) cloneViaArchive(ctx context.Context, src *types.Sandbox) (string, error) {
	spec, ok := o.pl.SpecFor(types.PoolKey{Runtime: src.Runtime, Version: src.Version})
	if !ok {
		spec = driver.SandboxSpec{Image: src.Runtime + ":" + src.Version}
	}
	spec.Limits = src.Limits
	handle, err := o.drv.Create(ctx, spec)
	if err != nil {
		return "", errs.Wrap(errs.EngineUnavailable, "create clone target", err)
	}

	archive, err := o.drv.GetArchive(ctx, src.EngineHandle, "/workspace")
	if err != nil {
		return "", errs.Wrap(errs.EngineUnavailable, "export source workspace", err)
	}
	defer func() { _ = archive.Close() }()

	if err := o.drv.PutArchive(ctx, handle, "/workspace", archive); err != nil {
		return "", errs.Wrap(errs.EngineUnavailable, "import workspace into clone", err)
	}
	return handle, nil
}

// Reap tears down a sandbox: stops its sampler, finalizes its Usage
// Meter accounting and commits the final debit, then destroys the
// sandbox via the Driver. Idempotent — reaping an already-gone sandbox
// is a no-op.
func (o *Orchestrator) Reap(ctx context.Context, sandboxID string, cause types.TerminationCause) error {
	mu := o.lockFor(sandboxID)
	mu.Lock()
	defer mu.Unlock()

	sbx, err := o.st.GetSandbox(sandboxID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil
		}
		return err
	}
	if sbx.State == types.SandboxGone {
		return nil
	}

	sbx.State = types.SandboxReaping
	_ = o.st.UpdateSandbox(sbx)

	o.mu.Lock()
	tr, ok := o.tracked[sandboxID]
	if ok {
		delete(o.tracked, sandboxID)
	}
	o.mu.Unlock()

	if ok {
		o.sampler.Stop(tr.sessionID)
		o.meter.CommitFinal(tr.sessionID)
		o.meter.Untrack(tr.sessionID)

		if sess, err := o.st.GetSession(tr.sessionID); err == nil {
			now := time.Now()
			sess.TerminatedAt = &now
			sess.TerminationCause = cause
			_ = o.st.UpdateSession(sess)
		}
	}

	if err := o.drv.Stop(ctx, sbx.EngineHandle); err != nil {
		o.logger.Warn().Err(err).Str("sandbox", sandboxID).Msg("stop failed during reap, continuing to delete")
	}
	if err := o.drv.Delete(ctx, sbx.EngineHandle); err != nil {
		o.logger.Warn().Err(err).Str("sandbox", sandboxID).Msg("delete failed during reap")
	}

	sbx.State = types.SandboxGone
	if err := o.st.UpdateSandbox(sbx); err != nil {
		return err
	}

	obsmetrics.SandboxesDestroyed.WithLabelValues(string(cause)).Inc()
	if ok && o.metricsCollector != nil {
		o.metricsCollector.Forget(tr.sessionID)
	}
	if cause == types.TerminationCreditExhausted {
		obsmetrics.CreditExhaustionEvents.Inc()
	}

	o.logger.Info().Str("sandbox", sandboxID).Str("cause", string(cause)).Msg("reaped sandbox")
	return nil
}

// Status returns the Driver's live view of a sandbox.
func (o *Orchestrator) Status(ctx context.Context, sandboxID string) (*driver.SandboxInfo, error) {
	sbx, err := o.st.GetSandbox(sandboxID)
	if err != nil {
		return nil, err
	}
	return o.drv.Info(ctx, sbx.EngineHandle)
}

// StatsSnapshot reports pool sizing and a per-state count of every
// sandbox this Orchestrator is tracking.
func (o *Orchestrator) StatsSnapshot() StatsSnapshot {
	sandboxes, _ := o.st.ListSandboxes()
	byState := make(map[types.SandboxState]int)
	for _, s := range sandboxes {
		byState[s.State]++
	}

	o.mu.RLock()
	tracked := len(o.tracked)
	o.mu.RUnlock()

	return StatsSnapshot{
		Pool:    o.pl.Snapshot(),
		ByState: byState,
		Tracked: tracked,
	}
}

// OnCreditExhausted implements usage.ExhaustionHandler: reaps the
// sandbox bound to sessionID with cause=credit_exhausted.
func (o *Orchestrator) OnCreditExhausted(sessionID string) {
	sandboxID := o.sandboxForSession(sessionID)
	if sandboxID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.Reap(ctx, sandboxID, types.TerminationCreditExhausted); err != nil {
		o.logger.Error().Err(err).Str("sandbox", sandboxID).Msg("reap on credit exhaustion failed")
	}
}

// OnLowBalance implements usage.ExhaustionHandler: logs a warning; the
// session is left running, per spec §4.3's "emit a warning" wording.
func (o *Orchestrator) OnLowBalance(sessionID string, remainingHours float64) {
	o.logger.Warn().Str("session", sessionID).Float64("remaining_hours", remainingHours).Msg("session balance running low")
}

func (o *Orchestrator) sandboxForSession(sessionID string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for sandboxID, tr := range o.tracked {
		if tr.sessionID == sessionID {
			return sandboxID
		}
	}
	return ""
}

// Start launches the health and idle background loops; the Pool and
// Usage Meter run their own loops, started separately by the caller.
func (o *Orchestrator) Start() {
	o.wg.Add(2)
	go o.runHealthLoop()
	go o.runIdleLoop()
}

// Stop halts the health and idle loops.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}

func (o *Orchestrator) runHealthLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HealthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.healthSweep()
		case <-o.stopCh:
			return
		}
	}
}

// healthSweep probes every tracked sandbox; HealthMaxFailures (default 3)
// consecutive probe failures escalate to reap(cause=unhealthy), per spec §4.3.
func (o *Orchestrator) healthSweep() {
	o.mu.RLock()
	targets := make([]*trackedSandbox, 0, len(o.tracked))
	for _, tr := range o.tracked {
		targets = append(targets, tr)
	}
	o.mu.RUnlock()

	for _, tr := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.HealthProbeTimeout)
		_, err := o.drv.Info(ctx, tr.engineHandle)
		cancel()

		o.mu.Lock()
		cur, ok := o.tracked[tr.sandboxID]
		if !ok {
			o.mu.Unlock()
			continue
		}
		if err != nil {
			cur.healthFailures++
			failures := cur.healthFailures
			o.mu.Unlock()

			if failures >= o.cfg.HealthMaxFailures {
				reapCtx, reapCancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := o.Reap(reapCtx, tr.sandboxID, types.TerminationUnhealthy); err != nil {
					o.logger.Error().Err(err).Str("sandbox", tr.sandboxID).Msg("reap on unhealthy escalation failed")
				}
				reapCancel()
			}
			continue
		}
		cur.healthFailures = 0
		o.mu.Unlock()
	}
}

func (o *Orchestrator) runIdleLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.IdleLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.idleSweep()
		case <-o.stopCh:
			return
		}
	}
}

// idleSweep reaps any session the Usage Meter's is_idle signal reports
// idle. The Meter already requires a continuous idle streak of
// cfg.IdleDurationThreshold before flagging a session idle, so no
// additional wait is applied here.
func (o *Orchestrator) idleSweep() {
	o.mu.RLock()
	targets := make([]*trackedSandbox, 0, len(o.tracked))
	for _, tr := range o.tracked {
		targets = append(targets, tr)
	}
	o.mu.RUnlock()

	for _, tr := range targets {
		if !o.meter.IsIdle(tr.sessionID) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := o.Reap(ctx, tr.sandboxID, types.TerminationIdle); err != nil {
			o.logger.Error().Err(err).Str("sandbox", tr.sandboxID).Msg("reap on idle timeout failed")
		}
		cancel()
	}
}
