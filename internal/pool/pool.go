// Package pool implements the per-(runtime,version) warm sandbox pool
// (spec §4.2): acquire, a refill loop, an eviction loop, and an autoscale
// loop. There is no release: an acquired sandbox never returns to the
// pool. It is grounded on the original_source's ContainerPool
// dataclass and its _pool_manager/_auto_scaler background tasks,
// translated into goroutines shaped like cuemby-warren's Scheduler
// ticker loop, and on the teacher's PooledDriver/PoolStats contract for
// bulk warm-up.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/log"
	"github.com/forgehq/runtime-core/internal/obsmetrics"
	"github.com/forgehq/runtime-core/internal/types"
)

// Stats mirrors the teacher's PoolStats, one snapshot per pool key.
type Stats struct {
	Key       types.PoolKey
	Size      int
	Min       int
	Max       int
	Acquired  int64
	Refilled  int64
	Evicted   int64
}

type entry struct {
	sandbox *types.Sandbox
	created time.Time
}

type bucket struct {
	mu       sync.Mutex
	key      types.PoolKey
	entries  []*entry
	acquired int64
	refilled int64
	evicted  int64
}

// Spec is the template used when the pool creates a new warm sandbox for
// a given (runtime, version) key.
type Spec struct {
	Key  types.PoolKey
	Spec driver.SandboxSpec
}

// Pool manages one warm bucket per (runtime, version) key. Each bucket
// is guarded by its own mutex so acquiring from one key never blocks
// refill/evict work on another, per spec §5's per-entity serialization.
type Pool struct {
	drv     driver.Driver
	tuning  config.PoolTuning
	logger  zerolog.Logger
	specsMu sync.RWMutex
	specs   map[types.PoolKey]driver.SandboxSpec

	mu      sync.RWMutex
	buckets map[types.PoolKey]*bucket

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool against the given Driver and tuning policy.
func New(drv driver.Driver, tuning config.PoolTuning) *Pool {
	return &Pool{
		drv:     drv,
		tuning:  tuning,
		logger:  log.Component("pool"),
		specs:   make(map[types.PoolKey]driver.SandboxSpec),
		buckets: make(map[types.PoolKey]*bucket),
		stopCh:  make(chan struct{}),
	}
}

// RegisterKey associates a (runtime, version) key with the SandboxSpec
// template the pool should use when warming it.
func (p *Pool) RegisterKey(key types.PoolKey, spec driver.SandboxSpec) {
	p.specsMu.Lock()
	p.specs[key] = spec
	p.specsMu.Unlock()

	p.mu.Lock()
	if _, ok := p.buckets[key]; !ok {
		p.buckets[key] = &bucket{key: key}
	}
	p.mu.Unlock()
}

func (p *Pool) bucketFor(key types.PoolKey) (*bucket, bool) {
	p.mu.RLock()
	b, ok := p.buckets[key]
	p.mu.RUnlock()
	return b, ok
}

func (p *Pool) specFor(key types.PoolKey) (driver.SandboxSpec, bool) {
	p.specsMu.RLock()
	s, ok := p.specs[key]
	p.specsMu.RUnlock()
	return s, ok
}

// SpecFor exposes the registered SandboxSpec template for key, used by the
// Orchestrator to cold-create a sandbox when a pool acquisition misses.
func (p *Pool) SpecFor(key types.PoolKey) (driver.SandboxSpec, bool) {
	return p.specFor(key)
}

// Acquire pops a warm sandbox for key if one is available; the caller
// owns relabeling/assignment from this point. errs.PoolFull-equivalent
// callers should fall through to a cold create when ok is false.
func (p *Pool) Acquire(ctx context.Context, key types.PoolKey) (*types.Sandbox, bool) {
	b, ok := p.bucketFor(key)
	if !ok {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil, false
	}

	e := b.entries[0]
	b.entries = b.entries[1:]
	b.acquired++

	go p.refillKey(key)

	return e.sandbox, true
}

// WarmUp pre-creates up to the pool's minimum size for key, mirroring
// the teacher's initialize_pools startup sweep.
func (p *Pool) WarmUp(ctx context.Context, key types.PoolKey, spec driver.SandboxSpec) error {
	p.RegisterKey(key, spec)
	return p.refillToMin(ctx, key)
}

func (p *Pool) refillToMin(ctx context.Context, key types.PoolKey) error {
	b, ok := p.bucketFor(key)
	if !ok {
		return errs.New(errs.InvalidConfig, "unregistered pool key")
	}
	spec, ok := p.specFor(key)
	if !ok {
		return errs.New(errs.InvalidConfig, "unregistered pool key")
	}

	b.mu.Lock()
	deficit := p.tuning.Min - len(b.entries)
	b.mu.Unlock()
	if deficit <= 0 {
		return nil
	}

	for i := 0; i < deficit; i++ {
		sbx, err := p.createWarm(ctx, key, spec)
		if err != nil {
			p.logger.Warn().Err(err).Str("runtime", key.Runtime).Str("version", key.Version).Msg("failed to create pool sandbox")
			continue
		}
		b.mu.Lock()
		b.entries = append(b.entries, &entry{sandbox: sbx, created: time.Now()})
		b.refilled++
		b.mu.Unlock()
	}
	return nil
}

func (p *Pool) createWarm(ctx context.Context, key types.PoolKey, spec driver.SandboxSpec) (*types.Sandbox, error) {
	handle, err := p.drv.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := p.drv.Start(ctx, handle); err != nil {
		return nil, err
	}
	return &types.Sandbox{
		Runtime:      key.Runtime,
		Version:      key.Version,
		Limits:       spec.Limits,
		State:        types.SandboxIdle,
		EngineHandle: handle,
		Labels: types.SandboxLabels{
			Pooled:    true,
			CreatedAt: time.Now(),
		},
	}, nil
}

func (p *Pool) refillKey(key types.PoolKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.refillToMin(ctx, key); err != nil {
		p.logger.Warn().Err(err).Msg("background refill failed")
	}
}

// Start launches the pool manager (eviction + refill) and autoscale
// background loops on fixed 60s and 300s tickers respectively.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.runManager()
	go p.runAutoscale()
}

// Stop halts both background loops and waits for them to exit.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) runManager() {
	defer p.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.managerSweep()
		case <-p.stopCh:
			return
		}
	}
}

// managerSweep evicts entries older than the configured reuse age and
// refills any bucket that fell under its minimum, one bucket at a time.
func (p *Pool) managerSweep() {
	p.mu.RLock()
	keys := make([]types.PoolKey, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, key := range keys {
		b, ok := p.bucketFor(key)
		if !ok {
			continue
		}

		b.mu.Lock()
		kept := b.entries[:0]
		for _, e := range b.entries {
			if time.Since(e.created) < p.tuning.ReuseAge {
				kept = append(kept, e)
				continue
			}
			handle := e.sandbox.EngineHandle
			b.evicted++
			go func(h string) {
				_ = p.drv.Stop(ctx, h)
				_ = p.drv.Delete(ctx, h)
			}(handle)
		}
		b.entries = kept
		needsRefill := len(b.entries) < p.tuning.Min
		b.mu.Unlock()

		if needsRefill {
			if err := p.refillToMin(ctx, key); err != nil {
				p.logger.Warn().Err(err).Str("runtime", key.Runtime).Msg("pool manager refill failed")
			}
		}
	}
}

func (p *Pool) runAutoscale() {
	defer p.wg.Done()
	ticker := time.NewTicker(300 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.autoscaleSweep()
		case <-p.stopCh:
			return
		}
	}
}

// autoscaleSweep grows a bucket by Step (capped at Max) when its
// acquired/size ratio exceeds HighWater, and shrinks by one (floored at
// Min) when it falls below LowWater, per the teacher's usage_ratio
// thresholds of 0.8/0.2.
func (p *Pool) autoscaleSweep() {
	p.mu.RLock()
	keys := make([]types.PoolKey, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, key := range keys {
		b, ok := p.bucketFor(key)
		if !ok {
			continue
		}

		b.mu.Lock()
		size := len(b.entries)
		ratio := 0.0
		if size > 0 {
			ratio = float64(b.acquired) / float64(size)
		} else if b.acquired > 0 {
			ratio = 1.0
		}
		b.mu.Unlock()

		spec, ok := p.specFor(key)
		if !ok {
			continue
		}

		switch {
		case ratio > p.tuning.HighWater:
			target := size + p.tuning.Step
			if target > p.tuning.Max {
				target = p.tuning.Max
			}
			p.growTo(ctx, key, spec, target)
		case ratio < p.tuning.LowWater:
			target := size - 1
			if target < p.tuning.Min {
				target = p.tuning.Min
			}
			p.shrinkTo(ctx, key, target)
		}
	}
}

func (p *Pool) growTo(ctx context.Context, key types.PoolKey, spec driver.SandboxSpec, target int) {
	b, ok := p.bucketFor(key)
	if !ok {
		return
	}
	for {
		b.mu.Lock()
		current := len(b.entries)
		b.mu.Unlock()
		if current >= target {
			return
		}
		sbx, err := p.createWarm(ctx, key, spec)
		if err != nil {
			p.logger.Warn().Err(err).Msg("autoscale grow failed")
			return
		}
		b.mu.Lock()
		b.entries = append(b.entries, &entry{sandbox: sbx, created: time.Now()})
		b.refilled++
		size := len(b.entries)
		b.mu.Unlock()
		obsmetrics.PoolSize.WithLabelValues(key.Runtime, key.Version).Set(float64(size))
	}
}

func (p *Pool) shrinkTo(ctx context.Context, key types.PoolKey, target int) {
	b, ok := p.bucketFor(key)
	if !ok {
		return
	}
	for {
		b.mu.Lock()
		if len(b.entries) <= target {
			b.mu.Unlock()
			return
		}
		last := b.entries[len(b.entries)-1]
		b.entries = b.entries[:len(b.entries)-1]
		b.evicted++
		size := len(b.entries)
		b.mu.Unlock()
		obsmetrics.PoolSize.WithLabelValues(key.Runtime, key.Version).Set(float64(size))

		_ = p.drv.Stop(ctx, last.sandbox.EngineHandle)
		_ = p.drv.Delete(ctx, last.sandbox.EngineHandle)
	}
}

// Snapshot returns current stats for every registered pool key.
func (p *Pool) Snapshot() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Stats, 0, len(p.buckets))
	for key, b := range p.buckets {
		b.mu.Lock()
		out = append(out, Stats{
			Key:      key,
			Size:     len(b.entries),
			Min:      p.tuning.Min,
			Max:      p.tuning.Max,
			Acquired: b.acquired,
			Refilled: b.refilled,
			Evicted:  b.evicted,
		})
		b.mu.Unlock()
	}
	return out
}
