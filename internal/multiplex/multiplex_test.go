package multiplex_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/driver/memdriver"
	"github.com/forgehq/runtime-core/internal/multiplex"
	"github.com/forgehq/runtime-core/internal/proto"
	"github.com/forgehq/runtime-core/internal/store/memstore"
	"github.com/forgehq/runtime-core/internal/types"
)

type fakeConn struct {
	mu     sync.Mutex
	in     chan []byte
	out    [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32)}
}

func (c *fakeConn) push(v any) {
	b, _ := json.Marshal(v)
	c.in <- b
}

func (c *fakeConn) closeIn() { close(c.in) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	b, ok := <-c.in
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, b, nil
}

func (c *fakeConn) WriteMessage(t int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == 8 {
		c.closed = true
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.out = append(c.out, cp)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.out))
	for _, raw := range c.out {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) findType(typ string) (map[string]any, bool) {
	for _, m := range c.messages() {
		if m["type"] == typ {
			return m, true
		}
	}
	return nil, false
}

type fakeAuth struct{}

func (fakeAuth) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	return "user-1", nil
}

type fakeBinder struct {
	sandboxID string
}

func (f fakeBinder) BindForProject(ctx context.Context, userRef, projectRef string) (string, error) {
	return f.sandboxID, nil
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	joined    []string
	published []string
}

func (f *fakeBroadcaster) Join(projectRef, connID string, deliver func(path string, ts int64)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, projectRef+"/"+connID)
	return nil
}

func (f *fakeBroadcaster) Leave(projectRef, connID string) {}

func (f *fakeBroadcaster) Publish(projectRef, connID, path string, ts int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, path)
}

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 5 * time.Second
	return cfg
}

func TestFirstMessageMustBeAuth(t *testing.T) {
	cfg := testConfig(t)
	st := memstore.New()
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	conn := newFakeConn()
	conn.push(proto.FileRead{Type: proto.TypeFileRead, Path: "/x"})
	conn.closeIn()

	sess := multiplex.New("c1", conn, cfg, st, drv, fakeAuth{}, fakeBinder{}, &fakeBroadcaster{}, nil, nil)
	sess.Run(context.Background())

	assert.True(t, conn.closed)
}

func TestAuthSuccessBindsSandboxAndAcks(t *testing.T) {
	cfg := testConfig(t)
	st := memstore.New()
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	handle, err := drv.Create(context.Background(), driverSpec())
	require.NoError(t, err)
	require.NoError(t, st.CreateSandbox(&types.Sandbox{ID: "sbx-1", EngineHandle: handle, State: types.SandboxRunning}))

	conn := newFakeConn()
	conn.push(proto.Auth{Type: proto.TypeAuth, Token: "tok", Project: "proj-1"})

	bcast := &fakeBroadcaster{}
	sess := multiplex.New("c1", conn, cfg, st, drv, fakeAuth{}, fakeBinder{sandboxID: "sbx-1"}, bcast, nil, nil)

	done := make(chan struct{})
	go func() {
		sess.Run(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, ok := conn.findType(proto.TypeAuthAck)
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, bcast.joined, "proj-1/c1")

	conn.closeIn()
	<-done
}

func TestFileWriteAcksAndPublishes(t *testing.T) {
	cfg := testConfig(t)
	st := memstore.New()
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	handle, err := drv.Create(context.Background(), driverSpec())
	require.NoError(t, err)
	require.NoError(t, st.CreateSandbox(&types.Sandbox{ID: "sbx-1", EngineHandle: handle, State: types.SandboxRunning}))

	conn := newFakeConn()
	conn.push(proto.Auth{Type: proto.TypeAuth, Token: "tok", Project: "proj-1"})
	conn.push(proto.FileWrite{Type: proto.TypeFileWrite, Path: "/a.txt", Bytes: base64.StdEncoding.EncodeToString([]byte("hello")), Encoding: "base64"})

	bcast := &fakeBroadcaster{}
	sess := multiplex.New("c1", conn, cfg, st, drv, fakeAuth{}, fakeBinder{sandboxID: "sbx-1"}, bcast, nil, nil)

	done := make(chan struct{})
	go func() {
		sess.Run(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, ok := conn.findType(proto.TypeFileWritten)
		return ok
	}, time.Second, 5*time.Millisecond)

	bcast.mu.Lock()
	published := append([]string(nil), bcast.published...)
	bcast.mu.Unlock()
	assert.Equal(t, []string{"/a.txt"}, published)

	content, err := drv.GetArchive(context.Background(), handle, "/a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(content)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	conn.closeIn()
	<-done
}

func TestHeartbeatIsAcked(t *testing.T) {
	cfg := testConfig(t)
	st := memstore.New()
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	handle, err := drv.Create(context.Background(), driverSpec())
	require.NoError(t, err)
	require.NoError(t, st.CreateSandbox(&types.Sandbox{ID: "sbx-1", EngineHandle: handle, State: types.SandboxRunning}))

	conn := newFakeConn()
	conn.push(proto.Auth{Type: proto.TypeAuth, Token: "tok", Project: "proj-1"})
	conn.push(proto.Heartbeat{Type: proto.TypeHeartbeat, TS: 42})

	sess := multiplex.New("c1", conn, cfg, st, drv, fakeAuth{}, fakeBinder{sandboxID: "sbx-1"}, &fakeBroadcaster{}, nil, nil)

	done := make(chan struct{})
	go func() {
		sess.Run(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		m, ok := conn.findType(proto.TypeHeartbeatAck)
		return ok && m["ts"] == float64(42)
	}, time.Second, 5*time.Millisecond)

	conn.closeIn()
	<-done
}

func TestInvalidTokenClosesWithInvalidTokenCode(t *testing.T) {
	cfg := testConfig(t)
	st := memstore.New()
	drv, err := memdriver.New(nil)
	require.NoError(t, err)

	conn := newFakeConn()
	conn.push(proto.Auth{Type: proto.TypeAuth, Token: "", Project: "proj-1"})
	conn.closeIn()

	sess := multiplex.New("c1", conn, cfg, st, drv, fakeAuth{}, fakeBinder{}, &fakeBroadcaster{}, nil, nil)
	sess.Run(context.Background())

	assert.True(t, conn.closed)
}

func driverSpec() driver.SandboxSpec {
	return driver.SandboxSpec{Image: "scratch"}
}
