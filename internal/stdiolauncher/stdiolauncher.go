// Package stdiolauncher is the one concrete way this runtime actually
// starts a tool-server child process: a JSON-RPC-2.0-over-stdio transport,
// speaking "tools/list" and "tools/call" against a subprocess's stdin/
// stdout. Grounded on the teacher's internal/mcp.StdioTransport, trimmed
// from its generic method/notification/event surface down to the two
// calls a toolserver.Server needs. The supervisor and pool only ever see
// the resulting toolserver.Server; everything in this file is the "black
// box" native protocol both are allowed to ignore.
package stdiolauncher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/wire"
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonrpcError   `json:"error,omitempty"`
}

// Process is a live stdio-connected child, implementing toolserver.Server
// for list_tools/call_tool and toolsdaemon.Stopper for teardown.
type Process struct {
	name   string
	logger *slog.Logger

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	pending   map[int64]chan jsonrpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	closed   atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Launch starts spec.Command with spec.Args/ExpandEnv() and connects its
// stdio. The returned Process is ready for ListTools/CallTool immediately;
// unlike the teacher's transport there is no separate initialize
// handshake, since this wire protocol has no capability-negotiation step.
func Launch(ctx context.Context, name string, spec config.LaunchSpec, logger *slog.Logger) (*Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("stdiolauncher: launch spec has no command")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// The child's own process lifetime is decoupled from ctx once Launch
	// returns: a long-lived daemon child must outlive the request that
	// started it, so only Stop tears it down from here on.
	childCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(childCtx, spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.ExpandEnv()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdiolauncher: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdiolauncher: stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("stdiolauncher: start %s: %w", spec.Command, err)
	}

	p := &Process{
		name:    name,
		logger:  logger.With("component", "stdiolauncher", "server", name),
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		stdout:  scanner,
		pending: make(map[int64]chan jsonrpcResponse),
	}

	p.wg.Add(1)
	go p.readLoop()
	if stderr != nil {
		p.wg.Add(1)
		go p.logStderr(stderr)
	}

	p.logger.Info("started tool server child", "command", spec.Command, "pid", cmd.Process.Pid)
	return p, nil
}

func (p *Process) readLoop() {
	defer p.wg.Done()
	for p.stdout.Scan() {
		line := p.stdout.Text()
		if line == "" {
			continue
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			p.logger.Warn("malformed reply from tool server", "error", err)
			continue
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (p *Process) logStderr(stderr io.ReadCloser) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.logger.Debug("tool server stderr", "message", line)
		}
	}
}

func (p *Process) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("stdiolauncher: %s: process closed", p.name)
	}

	id := p.nextID.Add(1)
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("stdiolauncher: marshal params: %w", err)
		}
	}

	respCh := make(chan jsonrpcResponse, 1)
	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	line, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON})
	if err != nil {
		return nil, fmt.Errorf("stdiolauncher: marshal request: %w", err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("stdiolauncher: write request: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("tool server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("stdiolauncher: %s: request timeout after %v", method, timeout)
	}
}

// ListTools implements toolserver.Server.
func (p *Process) ListTools(ctx context.Context) ([]wire.ToolDescriptor, error) {
	raw, err := p.call(ctx, "tools/list", nil, 30*time.Second)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []wire.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("stdiolauncher: decode tools/list result: %w", err)
	}
	for i := range result.Tools {
		result.Tools[i].Server = p.name
	}
	return result.Tools, nil
}

// CallTool implements toolserver.Server.
func (p *Process) CallTool(ctx context.Context, name string, arguments json.RawMessage) (wire.ToolResult, error) {
	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: name, Arguments: arguments}

	raw, err := p.call(ctx, "tools/call", params, 60*time.Second)
	if err != nil {
		return wire.ToolResult{}, err
	}
	var result wire.ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return wire.ToolResult{}, fmt.Errorf("stdiolauncher: decode tools/call result: %w", err)
	}
	return result, nil
}

// Stop implements toolsdaemon.Stopper.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		p.stdin.Close()
		p.cancel()
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		p.wg.Wait()
	})
	return nil
}
