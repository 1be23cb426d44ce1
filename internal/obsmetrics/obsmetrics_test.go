package obsmetrics_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/obsmetrics"
	"github.com/forgehq/runtime-core/internal/types"
)

func TestCollectorIncrementsOnFirstSnapshotOnly(t *testing.T) {
	c := obsmetrics.NewCollector()
	before := testutil.ToFloat64(obsmetrics.ActiveSandboxes)

	c.OnSnapshot(types.ResourceSnapshot{SessionRef: "sess-1"})
	c.OnSnapshot(types.ResourceSnapshot{SessionRef: "sess-1"})
	c.OnSnapshot(types.ResourceSnapshot{SessionRef: "sess-1"})

	assert.Equal(t, before+1, testutil.ToFloat64(obsmetrics.ActiveSandboxes))
}

func TestCollectorForgetDecrementsOnce(t *testing.T) {
	c := obsmetrics.NewCollector()
	c.OnSnapshot(types.ResourceSnapshot{SessionRef: "sess-2"})
	afterSnapshot := testutil.ToFloat64(obsmetrics.ActiveSandboxes)

	c.Forget("sess-2")
	assert.Equal(t, afterSnapshot-1, testutil.ToFloat64(obsmetrics.ActiveSandboxes))

	// Forgetting an already-forgotten (or never-seen) session is a no-op.
	c.Forget("sess-2")
	assert.Equal(t, afterSnapshot-1, testutil.ToFloat64(obsmetrics.ActiveSandboxes))
}

func TestTimerObservesDuration(t *testing.T) {
	var before dto.Metric
	require.NoError(t, obsmetrics.SandboxCreateLatency.Write(&before))
	beforeCount := before.GetHistogram().GetSampleCount()

	timer := obsmetrics.NewTimer()
	timer.ObserveDuration(obsmetrics.SandboxCreateLatency)

	var after dto.Metric
	require.NoError(t, obsmetrics.SandboxCreateLatency.Write(&after))
	assert.Equal(t, beforeCount+1, after.GetHistogram().GetSampleCount())
}
