package multiplex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/errs"
)

// ExecLanguageServerProxy proxies lsp_request into the sandbox's
// language server over the Driver's exec transport: each request spawns
// a fresh one-shot process via Driver.Exec that reads one JSON line from stdin and writes one JSON line of
// result to stdout. The Driver has no dedicated LSP channel, so this
// generalizes the teacher's Connect()-to-agent JSON-RPC proxying to a
// stdin/stdout-framed request/response pair instead of a persistent
// connection.
type ExecLanguageServerProxy struct {
	drv     driver.Driver
	command func(language string) []string
}

// NewExecLanguageServerProxy builds a proxy that runs commandFor(language)
// inside the sandbox for every request.
func NewExecLanguageServerProxy(drv driver.Driver, commandFor func(language string) []string) *ExecLanguageServerProxy {
	return &ExecLanguageServerProxy{drv: drv, command: commandFor}
}

// Request implements multiplex.LanguageServerProxy.
func (p *ExecLanguageServerProxy) Request(ctx context.Context, handle, language, method string, params map[string]any) (any, error) {
	cmd := p.command(language)
	if len(cmd) == 0 {
		return nil, errs.New(errs.InvalidConfig, "no language server configured for "+language)
	}

	return execJSONRoundTrip(ctx, p.drv, handle, cmd, map[string]any{"method": method, "params": params})
}

// ExecDebugAdapterProxy proxies dap_request the same way, into the
// sandbox's debug adapter.
type ExecDebugAdapterProxy struct {
	drv     driver.Driver
	command []string
}

// NewExecDebugAdapterProxy builds a proxy that runs the same debug
// adapter command for every request.
func NewExecDebugAdapterProxy(drv driver.Driver, command []string) *ExecDebugAdapterProxy {
	return &ExecDebugAdapterProxy{drv: drv, command: command}
}

// Request implements multiplex.DebugAdapterProxy.
func (p *ExecDebugAdapterProxy) Request(ctx context.Context, handle, command string, arguments map[string]any) (any, error) {
	if len(p.command) == 0 {
		return nil, errs.New(errs.InvalidConfig, "no debug adapter configured")
	}
	return execJSONRoundTrip(ctx, p.drv, handle, p.command, map[string]any{"command": command, "arguments": arguments})
}

func execJSONRoundTrip(ctx context.Context, drv driver.Driver, handle string, cmd []string, payload any) (any, error) {
	streams, err := drv.Exec(ctx, handle, cmd, nil, false, "/workspace")
	if err != nil {
		return nil, errs.Wrap(errs.EngineUnavailable, "exec proxy failed", err)
	}

	line, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if _, err := streams.Stdin.Write(append(line, '\n')); err != nil {
		return nil, errs.Wrap(errs.EngineUnavailable, "write proxy request", err)
	}
	_ = streams.Stdin.Close()

	scanner := bufio.NewScanner(streams.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, errs.Wrap(errs.EngineUnavailable, "read proxy response", err)
		}
		return nil, errs.New(errs.EngineUnavailable, "proxy produced no response")
	}

	var result any
	if err := json.Unmarshal(scanner.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decode proxy response: %w", err)
	}

	if streams.Wait != nil {
		_, _ = streams.Wait(ctx)
	}
	return result, nil
}
