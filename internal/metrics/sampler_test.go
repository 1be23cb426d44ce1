package metrics_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/driver/memdriver"
	"github.com/forgehq/runtime-core/internal/metrics"
	"github.com/forgehq/runtime-core/internal/types"
)

type collectingSubscriber struct {
	mu    sync.Mutex
	snaps []types.ResourceSnapshot
}

func (c *collectingSubscriber) OnSnapshot(snap types.ResourceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
}

func (c *collectingSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func TestSamplerPushesSnapshotsToSubscriber(t *testing.T) {
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	handle, err := drv.Create(context.Background(), driver.SandboxSpec{Image: "alpine", Timeout: time.Minute})
	require.NoError(t, err)
	require.NoError(t, drv.Start(context.Background(), handle))

	s := metrics.New(drv, 10*time.Millisecond, time.Minute)
	sub := &collectingSubscriber{}
	s.Subscribe(sub)

	s.Start("sess-1", handle)
	assert.Eventually(t, func() bool { return sub.count() >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop("sess-1")
	assert.Empty(t, s.Snapshot("sess-1"))
}

func TestSamplerStopIsIdempotentAndBlocksUntilExit(t *testing.T) {
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	handle, err := drv.Create(context.Background(), driver.SandboxSpec{Image: "alpine", Timeout: time.Minute})
	require.NoError(t, err)
	require.NoError(t, drv.Start(context.Background(), handle))

	s := metrics.New(drv, 5*time.Millisecond, time.Minute)
	s.Start("sess-2", handle)
	time.Sleep(20 * time.Millisecond)

	s.Stop("sess-2")
	s.Stop("sess-2") // second call must not block or panic
}
