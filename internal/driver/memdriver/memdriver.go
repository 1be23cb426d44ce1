// Package memdriver implements driver.Driver entirely in memory, for tests
// and for running the runtime core on a workstation with no container
// engine available. It is grounded on the driver.Driver contract itself
// (no teacher file implements an in-memory engine); host CPU/memory
// sampling uses gopsutil so SampleStats returns believable numbers rather
// than zeros, mirroring the pack's native-host-stats pattern.
package memdriver

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/types"
)

// DriverName is the registry key for this driver.
const DriverName = "memory"

func init() {
	driver.RegisterDriver(DriverName, New)
}

// New constructs an in-memory Driver. cfg is accepted for interface
// compatibility with driver.Factory but unused.
func New(cfg map[string]any) (driver.Driver, error) {
	return &Driver{boxes: make(map[string]*box)}, nil
}

type box struct {
	mu     sync.Mutex
	spec   driver.SandboxSpec
	state  types.SandboxState
	files  map[string][]byte
	limits types.ResourceLimits
	cpuAcc uint64
	sysAcc uint64
	created time.Time
}

// Driver is a Driver implementation backed entirely by process memory.
// Every "container" is a box with an in-memory file table; Exec runs no
// real process and instead echoes the command back, which is enough for
// exercising the orchestrator, pool, and multiplexer without Docker.
type Driver struct {
	mu    sync.Mutex
	boxes map[string]*box
	seq   int
}

func (d *Driver) DriverName() string { return DriverName }

func (d *Driver) Healthy(ctx context.Context) error { return nil }

func (d *Driver) Close() error { return nil }

func (d *Driver) Create(ctx context.Context, spec driver.SandboxSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	d.mu.Lock()
	d.seq++
	handle := fmt.Sprintf("mem-%d", d.seq)
	d.mu.Unlock()

	b := &box{
		spec:    spec,
		state:   types.SandboxCreating,
		files:   make(map[string][]byte),
		limits:  spec.Limits,
		created: time.Now(),
	}
	for _, f := range spec.Context {
		data, decErr := base64.StdEncoding.DecodeString(f.ContentBase64)
		if decErr != nil {
			continue
		}
		b.files[f.Path] = data
	}

	d.mu.Lock()
	d.boxes[handle] = b
	d.mu.Unlock()

	go func(h string, timeout time.Duration) {
		time.Sleep(timeout)
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(cctx, h)
		_ = d.Delete(cctx, h)
	}(handle, spec.Timeout)

	return handle, nil
}

func (d *Driver) get(handle string) (*box, error) {
	d.mu.Lock()
	b, ok := d.boxes[handle]
	d.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "sandbox not found: "+handle)
	}
	return b, nil
}

func (d *Driver) Start(ctx context.Context, handle string) error {
	b, err := d.get(handle)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.state = types.SandboxRunning
	b.mu.Unlock()
	return nil
}

func (d *Driver) Stop(ctx context.Context, handle string) error {
	b, err := d.get(handle)
	if err != nil {
		return nil
	}
	b.mu.Lock()
	b.state = types.SandboxGone
	b.mu.Unlock()
	return nil
}

func (d *Driver) Delete(ctx context.Context, handle string) error {
	d.mu.Lock()
	delete(d.boxes, handle)
	d.mu.Unlock()
	return nil
}

func (d *Driver) UpdateLimits(ctx context.Context, handle string, limits types.ResourceLimits) error {
	b, err := d.get(handle)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.limits = limits
	b.mu.Unlock()
	return nil
}

// Exec simulates a command by echoing its name to stdout and returning
// exit code 0; there is no process to attach to in memory.
func (d *Driver) Exec(ctx context.Context, handle string, cmd []string, env map[string]string, tty bool, cwd string) (*driver.ExecStreams, error) {
	if _, err := d.get(handle); err != nil {
		return nil, err
	}

	out := bytes.NewBufferString(fmt.Sprintf("%v\n", cmd))
	return &driver.ExecStreams{
		Stdin:  nopWriteCloser{},
		Stdout: out,
		Stderr: bytes.NewReader(nil),
		Wait: func(ctx context.Context) (int, error) {
			return 0, nil
		},
	}, nil
}

func (d *Driver) OpenPTY(ctx context.Context, handle string, cols, rows uint16, shell string) (driver.PtyHandle, error) {
	if _, err := d.get(handle); err != nil {
		return nil, err
	}
	return &memPTY{buf: &bytes.Buffer{}}, nil
}

type memPTY struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (p *memPTY) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Read(b)
}
func (p *memPTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}
func (p *memPTY) Resize(cols, rows uint16) error { return nil }
func (p *memPTY) Close() error                   { return nil }

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

func (d *Driver) PutArchive(ctx context.Context, handle, path string, content io.Reader) error {
	b, err := d.get(handle)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.files[path] = data
	b.mu.Unlock()
	return nil
}

func (d *Driver) GetArchive(ctx context.Context, handle, path string) (io.ReadCloser, error) {
	b, err := d.get(handle)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	data, ok := b.files[path]
	b.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "file not found: "+path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *Driver) ListFiles(ctx context.Context, handle, path string) ([]*driver.FileEntry, error) {
	b, err := d.get(handle)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []*driver.FileEntry
	for p, data := range b.files {
		if !filepathHasPrefix(p, path) {
			continue
		}
		entries = append(entries, &driver.FileEntry{
			Name:         filepath.Base(p),
			Path:         p,
			Size:         int64(len(data)),
			Mode:         0644,
			LastModified: b.created,
		})
	}
	return entries, nil
}

func filepathHasPrefix(p, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	clean := filepath.Clean(prefix)
	return p == clean || len(p) > len(clean) && p[:len(clean)+1] == clean+"/"
}

// SampleStats returns a host-wide CPU/memory snapshot via gopsutil,
// standing in for a real per-container cgroup sample when no container
// engine is present. The cumulative CPU counters advance so that the
// Sampler's delta ratio reproduces the host CPU percentage; memory use is
// folded into the box's memory limit by taking it modulo (limit+1).
func (d *Driver) SampleStats(ctx context.Context, handle string) (*driver.RawStats, error) {
	b, err := d.get(handle)
	if err != nil {
		return nil, err
	}

	percents, cpuErr := cpu.PercentWithContext(ctx, 0, false)
	var cpuPct float64
	if cpuErr == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, memErr := mem.VirtualMemoryWithContext(ctx)
	var usedBytes int64
	if memErr == nil && vm != nil {
		usedBytes = int64(vm.Used)
	}

	b.mu.Lock()
	b.cpuAcc += uint64(cpuPct * 1e7)
	b.sysAcc += 1e9
	acc, sysAcc := b.cpuAcc, b.sysAcc
	b.mu.Unlock()

	return &driver.RawStats{
		CPUTotalUsageNanos:  acc,
		SystemCPUUsageNanos: sysAcc,
		MemUsageBytes:       usedBytes % (b.limits.MemBytes + 1),
		DiskReadBytes:       int64(rand.Intn(4096)),
		DiskWriteBytes:      int64(rand.Intn(4096)),
		NetRxBytes:          int64(rand.Intn(8192)),
		NetTxBytes:          int64(rand.Intn(8192)),
		SampledAt:           time.Now(),
	}, nil
}

func (d *Driver) Checkpoint(ctx context.Context, handle string) (*driver.CheckpointRef, error) {
	b, err := d.get(handle)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	d.mu.Lock()
	d.seq++
	ref := &driver.CheckpointRef{ID: fmt.Sprintf("mem-ckpt-%d", d.seq), SandboxID: handle, TakenAt: time.Now()}
	d.mu.Unlock()

	snapshot := &box{
		spec:    b.spec,
		state:   b.state,
		files:   make(map[string][]byte, len(b.files)),
		limits:  b.limits,
		created: b.created,
	}
	for k, v := range b.files {
		cp := make([]byte, len(v))
		copy(cp, v)
		snapshot.files[k] = cp
	}

	d.mu.Lock()
	d.boxes[ref.ID] = snapshot
	d.mu.Unlock()

	return ref, nil
}

func (d *Driver) Restore(ctx context.Context, ref *driver.CheckpointRef) (string, error) {
	snapshot, err := d.get(ref.ID)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.seq++
	handle := fmt.Sprintf("mem-%d", d.seq)
	d.boxes[handle] = snapshot
	d.mu.Unlock()
	return handle, nil
}

func (d *Driver) Info(ctx context.Context, handle string) (*driver.SandboxInfo, error) {
	b, err := d.get(handle)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return &driver.SandboxInfo{
		ID:         handle,
		State:      b.state,
		CreatedAt:  b.created,
		DriverType: DriverName,
		Labels:     b.spec.Labels,
	}, nil
}

func (d *Driver) List(ctx context.Context, states []types.SandboxState) ([]*driver.SandboxInfo, error) {
	wanted := make(map[types.SandboxState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	d.mu.Lock()
	handles := make([]string, 0, len(d.boxes))
	for h := range d.boxes {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	var out []*driver.SandboxInfo
	for _, h := range handles {
		info, err := d.Info(ctx, h)
		if err != nil {
			continue
		}
		if len(states) > 0 && !wanted[info.State] {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// WarmUp implements driver.PooledDriver by creating count boxes up front,
// the in-memory equivalent of the teacher's pool pre-warming.
func (d *Driver) WarmUp(ctx context.Context, spec driver.SandboxSpec, count int) ([]string, error) {
	handles := make([]string, 0, count)
	for i := 0; i < count; i++ {
		h, err := d.Create(ctx, spec)
		if err != nil {
			return handles, err
		}
		if err := d.Start(ctx, h); err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

var _ driver.PooledDriver = (*Driver)(nil)
