// Package metrics implements the Metrics Sampler (spec §4.4): one
// sampling loop per active Session, deriving cpu_percent from two
// consecutive raw driver samples and pushing ResourceSnapshots onto a
// bounded per-session ring plus any live subscriber. Grounded on the
// original_source's usage_calculator._collect_metrics/_monitor_container
// cadence, looped in cuemby-warren's ticker-goroutine shape.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/log"
	"github.com/forgehq/runtime-core/internal/types"
)

// ring is a fixed-wall-clock-window buffer of ResourceSnapshots.
type ring struct {
	mu     sync.Mutex
	window time.Duration
	items  []types.ResourceSnapshot
}

func newRing(window time.Duration) *ring {
	return &ring{window: window}
}

func (r *ring) push(s types.ResourceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, s)

	cutoff := s.TS.Add(-r.window)
	i := 0
	for ; i < len(r.items); i++ {
		if r.items[i].TS.After(cutoff) {
			break
		}
	}
	r.items = r.items[i:]
}

func (r *ring) snapshot() []types.ResourceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ResourceSnapshot, len(r.items))
	copy(out, r.items)
	return out
}

// Subscriber receives every Snapshot as it is produced, the Usage
// Meter's hook into the sampler.
type Subscriber interface {
	OnSnapshot(snap types.ResourceSnapshot)
}

type session struct {
	cancel  context.CancelFunc
	ring    *ring
	done    chan struct{}
}

// Sampler runs one goroutine per active session, sampling
// Driver.SampleStats at a fixed interval.
type Sampler struct {
	drv      driver.Driver
	interval time.Duration
	window   time.Duration
	logger   zerolog.Logger

	subMu sync.RWMutex
	subs  []Subscriber

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Sampler against drv, sampling every interval and
// retaining window of history per session.
func New(drv driver.Driver, interval, window time.Duration) *Sampler {
	return &Sampler{
		drv:      drv,
		interval: interval,
		window:   window,
		logger:   log.Component("metrics.sampler"),
		sessions: make(map[string]*session),
	}
}

// Subscribe registers a Subscriber that receives every snapshot produced
// across all sessions, most notably the Usage Meter.
func (s *Sampler) Subscribe(sub Subscriber) {
	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	s.subMu.Unlock()
}

// Start begins sampling sessionID against the given engine handle. It
// is idempotent: calling it twice for the same session is a no-op.
func (s *Sampler) Start(sessionID, engineHandle string) {
	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{cancel: cancel, ring: newRing(s.window), done: make(chan struct{})}
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	go s.run(ctx, sessionID, engineHandle, sess)
}

// Stop cancels the sampling loop for sessionID and blocks until it has
// exited, satisfying the "stop within one sample_interval of reap"
// requirement.
func (s *Sampler) Stop(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.cancel()
	<-sess.done
}

// Snapshot returns the retained history ring for a session.
func (s *Sampler) Snapshot(sessionID string) []types.ResourceSnapshot {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.ring.snapshot()
}

func (s *Sampler) run(ctx context.Context, sessionID, engineHandle string, sess *session) {
	defer close(sess.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var prev *driver.RawStats

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		raw, err := s.drv.SampleStats(ctx, engineHandle)
		if err != nil {
			s.logger.Debug().Err(err).Str("session", sessionID).Msg("sample failed, engine likely gone")
			s.mu.Lock()
			delete(s.sessions, sessionID)
			s.mu.Unlock()
			return
		}
		raw.SampledAt = time.Now()

		snap := deriveSnapshot(sessionID, prev, raw)
		prev = raw

		sess.ring.push(snap)
		s.notify(snap)
	}
}

func (s *Sampler) notify(snap types.ResourceSnapshot) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		sub.OnSnapshot(snap)
	}
}

// deriveSnapshot computes cpu_percent from two consecutive raw samples;
// the first sample for a session yields cpu_percent == 0 with no
// derived value, per spec §4.4.
func deriveSnapshot(sessionID string, prev, cur *driver.RawStats) types.ResourceSnapshot {
	snap := types.ResourceSnapshot{
		SessionRef:     sessionID,
		TS:             cur.SampledAt,
		MemBytes:       cur.MemUsageBytes,
		DiskReadBytes:  cur.DiskReadBytes,
		DiskWriteBytes: cur.DiskWriteBytes,
		NetRxBytes:     cur.NetRxBytes,
		NetTxBytes:     cur.NetTxBytes,
	}

	if prev == nil {
		return snap
	}

	deltaCPU := float64(cur.CPUTotalUsageNanos - prev.CPUTotalUsageNanos)
	deltaSys := float64(cur.SystemCPUUsageNanos - prev.SystemCPUUsageNanos)
	if deltaSys > 0 && deltaCPU >= 0 {
		snap.CPUPercent = (deltaCPU / deltaSys) * 100
	}

	snap.DiskReadBytes = cur.DiskReadBytes - prev.DiskReadBytes
	snap.DiskWriteBytes = cur.DiskWriteBytes - prev.DiskWriteBytes
	snap.NetRxBytes = cur.NetRxBytes - prev.NetRxBytes
	snap.NetTxBytes = cur.NetTxBytes - prev.NetTxBytes

	return snap
}
