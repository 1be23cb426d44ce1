package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"

	"github.com/forgehq/runtime-core/internal/driver"
)

// Exec implements driver.Driver.Exec by attaching to a Docker exec
// session. When tty is false Docker multiplexes stdout/stderr on one
// connection using its 8-byte stream header; demux splits them into
// independent readers, the same fix the teacher's DockerStream applies
// to its single agent-RPC stream, generalized here to an arbitrary
// command's stdout/stderr pair.
func (d *Driver) Exec(ctx context.Context, handle string, cmd []string, env map[string]string, tty bool, cwd string) (*driver.ExecStreams, error) {
	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", k, v))
	}

	execConfig := types.ExecConfig{
		Cmd:          cmd,
		Env:          envSlice,
		WorkingDir:   cwd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          tty,
	}

	created, err := d.cli.ContainerExecCreate(ctx, handle, execConfig)
	if err != nil {
		return nil, fmt.Errorf("exec create failed: %w", err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: tty})
	if err != nil {
		return nil, fmt.Errorf("exec attach failed: %w", err)
	}

	var stdout, stderr io.Reader
	if tty {
		// A TTY stream is not multiplexed; everything arrives as one
		// combined stream, presented here as stdout with stderr empty.
		stdout = attached.Reader
		stderr = io.LimitReader(nil, 0)
	} else {
		stdoutR, stderrR := demuxExecStream(attached.Reader)
		stdout, stderr = stdoutR, stderrR
	}

	streams := &driver.ExecStreams{
		Stdin:  &hijackedWriteCloser{resp: attached},
		Stdout: stdout,
		Stderr: stderr,
		Wait: func(waitCtx context.Context) (int, error) {
			for {
				inspect, err := d.cli.ContainerExecInspect(waitCtx, created.ID)
				if err != nil {
					return -1, err
				}
				if !inspect.Running {
					return inspect.ExitCode, nil
				}
				select {
				case <-waitCtx.Done():
					return -1, waitCtx.Err()
				default:
				}
			}
		},
	}

	return streams, nil
}

// OpenPTY implements driver.Driver.OpenPTY as a Tty=true exec session
// with an initial resize, following the teacher's "exec into the
// long-lived container" model rather than a separate PTY device.
func (d *Driver) OpenPTY(ctx context.Context, handle string, cols, rows uint16, shell string) (driver.PtyHandle, error) {
	if shell == "" {
		shell = "/bin/sh"
	}

	execConfig := types.ExecConfig{
		Cmd:          []string{shell},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	}

	created, err := d.cli.ContainerExecCreate(ctx, handle, execConfig)
	if err != nil {
		return nil, fmt.Errorf("pty exec create failed: %w", err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("pty exec attach failed: %w", err)
	}

	p := &dockerPTY{
		cli:    d.cli,
		execID: created.ID,
		resp:   attached,
	}
	_ = p.Resize(cols, rows)
	return p, nil
}

type dockerPTY struct {
	cli    interface {
		ContainerExecResize(ctx context.Context, execID string, options types.ResizeOptions) error
	}
	execID string
	resp   types.HijackedResponse
}

func (p *dockerPTY) Read(b []byte) (int, error)  { return p.resp.Reader.Read(b) }
func (p *dockerPTY) Write(b []byte) (int, error) { return p.resp.Conn.Write(b) }
func (p *dockerPTY) Close() error {
	p.resp.Close()
	return nil
}
func (p *dockerPTY) Resize(cols, rows uint16) error {
	return p.cli.ContainerExecResize(context.Background(), p.execID, types.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

// SampleStats implements driver.Driver using Docker's one-shot stats
// endpoint; two consecutive calls give the Metrics Sampler the raw
// cumulative counters it needs to derive cpu_percent.
func (d *Driver) SampleStats(ctx context.Context, handle string) (*driver.RawStats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("stats fetch failed: %w", err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("stats decode failed: %w", err)
	}

	var rx, tx int64
	for _, iface := range raw.Networks {
		rx += int64(iface.RxBytes)
		tx += int64(iface.TxBytes)
	}

	var readB, writeB int64
	for _, entry := range raw.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "Read":
			readB += int64(entry.Value)
		case "Write":
			writeB += int64(entry.Value)
		}
	}

	return &driver.RawStats{
		CPUTotalUsageNanos:  raw.CPUStats.CPUUsage.TotalUsage,
		SystemCPUUsageNanos: raw.CPUStats.SystemCPUUsage,
		MemUsageBytes:       int64(raw.MemoryStats.Usage),
		DiskReadBytes:       readB,
		DiskWriteBytes:      writeB,
		NetRxBytes:          rx,
		NetTxBytes:          tx,
	}, nil
}

type hijackedWriteCloser struct {
	resp types.HijackedResponse
}

func (h *hijackedWriteCloser) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h *hijackedWriteCloser) Close() error {
	return h.resp.CloseWrite()
}

// demuxExecStream splits Docker's multiplexed exec stream (an 8-byte
// header per frame: stream type, 3 reserved bytes, big-endian uint32
// size) into independent stdout/stderr readers, generalizing the
// teacher's DockerStream.demux from a single hardcoded pipe into two.
func demuxExecStream(r io.Reader) (stdout io.Reader, stderr io.Reader) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	go func() {
		defer outW.Close()
		defer errW.Close()

		header := make([]byte, 8)
		for {
			if _, err := io.ReadFull(r, header); err != nil {
				return
			}
			size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
			if size < 0 {
				return
			}

			switch header[0] {
			case 1:
				if _, err := io.CopyN(outW, r, size); err != nil {
					return
				}
			case 2:
				if _, err := io.CopyN(errW, r, size); err != nil {
					return
				}
			default:
				io.CopyN(io.Discard, r, size)
			}
		}
	}()

	return outR, errR
}
