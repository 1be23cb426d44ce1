// Package driver abstracts over the container/microVM engine (spec
// §4.1): create/start/stop/exec/checkpoint/update-limits/stats/
// archive-put-get. The core treats engine identifiers opaquely; the
// only caller allowed to construct a Sandbox's engine handle is this
// package's implementations.
//
// This is Boxed's original sandbox-backend abstraction, generalized from
// a single "agent JSON-RPC over Connect()" contract into the fuller
// engine surface the runtime core's Orchestrator, Pool, and Metrics
// Sampler consume directly (hot resource updates, checkpoint/restore,
// raw stats for CPU-delta derivation) rather than proxying everything
// through an in-sandbox agent process.
package driver

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/types"
)

// SandboxSpec carries everything Create needs: image, command,
// environment, labels, resource limits, security profile.
type SandboxSpec struct {
	Image           string
	Command         []string
	Env             map[string]string
	Labels          types.SandboxLabels
	Limits          types.ResourceLimits
	SecurityProfile types.SecurityProfile
	WorkDir         string
	Timeout         time.Duration
	Context         []FileInjection
}

// Validate applies the defaults and constraint checks spec §4.1 and the
// teacher's SandboxConfig.Validate both require.
func (s *SandboxSpec) Validate() error {
	if s.Image == "" {
		return errs.New(errs.InvalidConfig, "image is required")
	}
	if s.Limits.MemBytes <= 0 {
		s.Limits.MemBytes = 512 * 1024 * 1024
	}
	if s.Limits.CPUShares <= 0 {
		s.Limits.CPUShares = 1.0
	}
	if s.Timeout <= 0 {
		s.Timeout = 5 * time.Minute
	}
	if s.WorkDir == "" {
		s.WorkDir = "/workspace"
	}
	if s.Limits.MemBytes > 8*1024*1024*1024 {
		return errs.New(errs.InvalidConfig, "memory cannot exceed 8GB")
	}
	if s.Limits.CPUShares > 4.0 {
		return errs.New(errs.InvalidConfig, "CPU cannot exceed 4 cores")
	}
	if s.Timeout > 30*time.Minute {
		return errs.New(errs.InvalidConfig, "timeout cannot exceed 30 minutes")
	}
	return nil
}

// FileInjection is content to place into the sandbox at Create time.
type FileInjection struct {
	Path          string
	ContentBase64 string
}

// FileEntry is one archive listing entry.
type FileEntry struct {
	Name         string
	Path         string
	Size         int64
	Mode         int64
	IsDir        bool
	LastModified time.Time
}

// RawStats is the engine's raw per-container resource sample, consumed
// by the Metrics Sampler to derive cpu_percent via two-sample deltas.
type RawStats struct {
	CPUTotalUsageNanos  uint64
	SystemCPUUsageNanos uint64
	MemUsageBytes       int64
	DiskReadBytes       int64
	DiskWriteBytes      int64
	NetRxBytes          int64
	NetTxBytes          int64
	SampledAt           time.Time
}

// ExecStreams multiplexes stdin/stdout/stderr plus an exit-code future.
type ExecStreams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	// Wait blocks until the command exits and returns its exit code.
	Wait func(ctx context.Context) (int, error)
}

// PtyHandle is a single interactive pseudo-terminal session.
type PtyHandle interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Close() error
}

// CheckpointRef identifies a point-in-time checkpoint for clone().
type CheckpointRef struct {
	ID        string
	SandboxID string
	TakenAt   time.Time
}

// SandboxInfo is runtime information about a sandbox returned by Info/List.
type SandboxInfo struct {
	ID         string
	State      types.SandboxState
	CreatedAt  time.Time
	DriverType string
	Labels     types.SandboxLabels
	Error      string
}

// Driver is the engine-agnostic interface every orchestration component
// consumes. Engine identifiers are opaque to callers; only Create
// produces one.
type Driver interface {
	Create(ctx context.Context, spec SandboxSpec) (handle string, err error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string) error
	Delete(ctx context.Context, handle string) error
	// UpdateLimits MUST take effect without restart; failure to hot-apply
	// is an error, never a silent restart.
	UpdateLimits(ctx context.Context, handle string, limits types.ResourceLimits) error

	Exec(ctx context.Context, handle string, cmd []string, env map[string]string, tty bool, cwd string) (*ExecStreams, error)
	OpenPTY(ctx context.Context, handle string, cols, rows uint16, shell string) (PtyHandle, error)

	PutArchive(ctx context.Context, handle, path string, tarBytes io.Reader) error
	GetArchive(ctx context.Context, handle, path string) (io.ReadCloser, error)
	ListFiles(ctx context.Context, handle, path string) ([]*FileEntry, error)

	SampleStats(ctx context.Context, handle string) (*RawStats, error)

	// Checkpoint/Restore are optional; ErrNotSupported signals the
	// caller (Orchestrator.clone) to fall back to create+put_archive.
	Checkpoint(ctx context.Context, handle string) (*CheckpointRef, error)
	Restore(ctx context.Context, ref *CheckpointRef) (handle string, err error)

	Info(ctx context.Context, handle string) (*SandboxInfo, error)
	List(ctx context.Context, states []types.SandboxState) ([]*SandboxInfo, error)

	DriverName() string
	Healthy(ctx context.Context) error
	Close() error
}

// PooledDriver is implemented by drivers that can pre-warm sandboxes in
// bulk more cheaply than N independent Create calls.
type PooledDriver interface {
	Driver
	WarmUp(ctx context.Context, spec SandboxSpec, count int) ([]string, error)
}

// ErrNotSupported is returned by Checkpoint/Restore implementations that
// do not support the operation, per spec §4.1's "optional" wording.
var ErrNotSupported = errs.New(errs.NotSupported, "operation not supported by this driver")

// Factory constructs a Driver from a loosely-typed config map, mirroring
// the teacher's registry so new engines can self-register via init().
type Factory func(cfg map[string]any) (Driver, error)

var registry = map[string]Factory{}

// RegisterDriver adds a named Factory to the process-wide registry.
// Called from each driver implementation's init().
func RegisterDriver(name string, f Factory) {
	registry[name] = f
}

// NewDriver looks up and constructs a registered driver by name.
func NewDriver(name string, cfg map[string]any) (Driver, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errs.New(errs.InvalidConfig, "unknown driver: "+name)
	}
	return f(cfg)
}

// AvailableDrivers lists every registered driver name.
func AvailableDrivers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// MountPolicy validates mount source/target paths per spec §4.1: every
// source path must resolve under one of the allowed prefixes; target
// paths in the blocked set are rejected.
type MountPolicy struct {
	AllowedPrefixes []string
	BlockedTargets  []string
}

// ValidateMount enforces the configured allow/block sets.
func (p MountPolicy) ValidateMount(source, target string) error {
	cleanTarget := filepath.Clean(target)
	for _, blocked := range p.BlockedTargets {
		cb := filepath.Clean(blocked)
		if cleanTarget == cb || strings.HasPrefix(cleanTarget, cb+"/") {
			return errs.New(errs.InvalidPath, "mount target is blocked: "+target)
		}
	}

	cleanSource := filepath.Clean(source)
	for _, allowed := range p.AllowedPrefixes {
		ca := filepath.Clean(allowed)
		if cleanSource == ca || strings.HasPrefix(cleanSource, ca+"/") {
			return nil
		}
	}
	return errs.New(errs.InvalidPath, "mount source not under an allowed prefix: "+source)
}

// SanitizeEnv strips credential-bearing variables per spec §4.1: a fixed
// deny-list plus any name matching a "secret"-like suffix pattern.
func SanitizeEnv(env map[string]string, denyList []string) map[string]string {
	deny := make(map[string]struct{}, len(denyList))
	for _, name := range denyList {
		deny[strings.ToUpper(name)] = struct{}{}
	}

	out := make(map[string]string, len(env))
	for k, v := range env {
		upper := strings.ToUpper(k)
		if _, blocked := deny[upper]; blocked {
			continue
		}
		if strings.HasSuffix(upper, "SECRET") || strings.HasSuffix(upper, "_SECRET_KEY") || strings.HasSuffix(upper, "TOKEN") {
			continue
		}
		out[k] = v
	}
	return out
}
