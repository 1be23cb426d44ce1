package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/driver/memdriver"
	"github.com/forgehq/runtime-core/internal/pool"
	"github.com/forgehq/runtime-core/internal/types"
)

func testTuning() config.PoolTuning {
	return config.PoolTuning{Min: 2, Max: 5, ReuseAge: time.Hour, HighWater: 0.8, LowWater: 0.2, Step: 2}
}

func testSpec() driver.SandboxSpec {
	return driver.SandboxSpec{Image: "alpine", Timeout: time.Minute}
}

func TestWarmUpReachesMinimum(t *testing.T) {
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	p := pool.New(drv, testTuning())
	key := types.PoolKey{Runtime: "python", Version: "3.12"}

	require.NoError(t, p.WarmUp(context.Background(), key, testSpec()))

	stats := p.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Size)
}

func TestAcquireTakesEntryAndTriggersRefill(t *testing.T) {
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	p := pool.New(drv, testTuning())
	key := types.PoolKey{Runtime: "node", Version: "20"}
	require.NoError(t, p.WarmUp(context.Background(), key, testSpec()))

	sbx, ok := p.Acquire(context.Background(), key)
	require.True(t, ok)
	assert.True(t, sbx.Labels.Pooled)
	assert.NotEmpty(t, sbx.EngineHandle)

	// background refill is asynchronous; give it a moment to land
	assert.Eventually(t, func() bool {
		stats := p.Snapshot()
		return len(stats) == 1 && stats[0].Size == testTuning().Min
	}, time.Second, 10*time.Millisecond)
}

func TestAcquireFromUnregisteredKeyFails(t *testing.T) {
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	p := pool.New(drv, testTuning())
	_, ok := p.Acquire(context.Background(), types.PoolKey{Runtime: "go", Version: "1.24"})
	assert.False(t, ok)
}

func TestWarmUpWithZeroReuseAgeReachesMinimum(t *testing.T) {
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	tuning := testTuning()
	tuning.ReuseAge = 0 // everything is immediately "aged"
	p := pool.New(drv, tuning)
	key := types.PoolKey{Runtime: "ruby", Version: "3.3"}
	require.NoError(t, p.WarmUp(context.Background(), key, testSpec()))

	assert.Eventually(t, func() bool {
		return len(p.Snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	before := p.Snapshot()[0]
	assert.Equal(t, tuning.Min, before.Size)
}
