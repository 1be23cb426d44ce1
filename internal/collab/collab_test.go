package collab_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/collab"
)

func TestPublishFansOutToOtherMembersOnly(t *testing.T) {
	b := collab.New()

	var c1Received, c2Received []string
	require.NoError(t, b.Join("proj-1", "c1", func(path string, ts int64) {
		c1Received = append(c1Received, path)
	}))
	require.NoError(t, b.Join("proj-1", "c2", func(path string, ts int64) {
		c2Received = append(c2Received, path)
	}))

	b.Publish("proj-1", "c1", "/a.txt", 100)

	assert.Empty(t, c1Received, "originator must not receive its own fan-out")
	assert.Equal(t, []string{"/a.txt"}, c2Received)
}

func TestPublishIsScopedToProject(t *testing.T) {
	b := collab.New()

	var received, c2Received []string
	require.NoError(t, b.Join("proj-1", "c1", func(path string, ts int64) {
		received = append(received, path)
	}))
	require.NoError(t, b.Join("proj-2", "c2", func(path string, ts int64) {
		c2Received = append(c2Received, path)
	}))

	b.Publish("proj-2", "some-other-conn", "/b.txt", 100)

	assert.Empty(t, received, "room c1 belongs to must not receive proj-2's fan-out")
	assert.Equal(t, []string{"/b.txt"}, c2Received)
}

func TestLeaveRemovesMemberAndEmptiesRoom(t *testing.T) {
	b := collab.New()

	require.NoError(t, b.Join("proj-1", "c1", func(string, int64) {}))
	assert.Len(t, b.Roster("proj-1"), 1)

	b.Leave("proj-1", "c1")
	assert.Empty(t, b.Roster("proj-1"))
}

func TestLeaveIsANoOpForUnknownProjectOrConnection(t *testing.T) {
	b := collab.New()
	b.Leave("unknown-project", "unknown-conn")
}

func TestPublishToUnknownProjectIsANoOp(t *testing.T) {
	b := collab.New()
	b.Publish("unknown-project", "c1", "/a.txt", 1)
}
