// Package toolsdaemon implements the tool-server daemon: a long-lived
// supervisor that owns tool-server children, starts them lazily, evicts
// them on idle, and serves pool requests over a Unix domain socket using
// the daemonproto wire protocol. Grounded on the teacher's
// internal/mcp.StdioTransport for subprocess lifecycle (env passthrough,
// pipes, start/stop) generalized behind a ChildLauncher so the child's
// native protocol stays a black box to the supervisor.
package toolsdaemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/daemonproto"
	"github.com/agentrt/agentrt/internal/wire"
	"github.com/agentrt/agentrt/pkg/toolserver"
)

// State is a ManagedServer's lifecycle state.
type State string

const (
	StateIdle     State = "Idle"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateFailed   State = "Failed"
	StateStopped  State = "Stopped"
)

// Stopper tears down a launched child.
type Stopper interface {
	Stop() error
}

// ChildLauncher starts a child process for a launch spec and, once its
// (black-box) native protocol has completed initialization, returns a
// Server bound to it plus a Stopper. The daemon never speaks the child's
// protocol directly.
type ChildLauncher interface {
	Launch(ctx context.Context, spec config.LaunchSpec) (toolserver.Server, Stopper, error)
}

// ManagedServer is one daemon-owned child. Invariant: handle is
// non-nil iff State == Running.
type ManagedServer struct {
	Name       string
	LaunchSpec config.LaunchSpec
	Tier       int

	mu        sync.Mutex
	state     State
	handle    toolserver.Server
	stopper   Stopper
	toolCache []wire.ToolDescriptor
	startedAt time.Time
	lastUsed  time.Time
}

func (m *ManagedServer) snapshotStatus() daemonproto.ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uptime, idle int64
	if !m.startedAt.IsZero() {
		uptime = int64(time.Since(m.startedAt).Seconds())
	}
	if !m.lastUsed.IsZero() {
		idle = int64(time.Since(m.lastUsed).Seconds())
	}
	return daemonproto.ServerStatus{
		Name:         m.Name,
		State:        string(m.state),
		ToolCount:    len(m.toolCache),
		LastUsedSecs: idle,
		UptimeSecs:   uptime,
	}
}

type daemonMetrics struct {
	childState    *prometheus.GaugeVec
	idleEvicted   prometheus.Counter
	requestsTotal *prometheus.CounterVec
}

// sharedDaemonMetrics registers once per process, mirroring toolpool's
// sharedMetrics: promauto panics on duplicate registration, and tests build
// several Daemons in the same process.
var sharedDaemonMetrics = sync.OnceValue(func() *daemonMetrics {
	return &daemonMetrics{
		childState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentrt_daemon_child_state",
			Help: "1 if a managed child is currently in the given state.",
		}, []string{"server", "state"}),
		idleEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentrt_daemon_idle_evictions_total",
			Help: "Total managed children stopped for exceeding idle_timeout.",
		}),
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_daemon_requests_total",
			Help: "Daemon requests served by type.",
		}, []string{"type"}),
	}
})

// Daemon is the tool-server daemon process.
type Daemon struct {
	logger   *slog.Logger
	launcher ChildLauncher

	socketPath  string
	idleTimeout time.Duration
	healthTick  time.Duration

	mu      sync.Mutex
	servers map[string]*ManagedServer

	listener net.Listener
	metrics  *daemonMetrics
}

// New builds a Daemon over the given configured servers. The reserved name
// "agent" must be excluded by the caller; New rejects it defensively.
func New(socketPath string, idleTimeout, healthTick time.Duration, servers []config.ToolServerConfig, launcher ChildLauncher, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]*ManagedServer, len(servers))
	for _, s := range servers {
		if s.Name == config.ReservedServerName {
			return nil, fmt.Errorf("toolsdaemon: server name %q is reserved", config.ReservedServerName)
		}
		m[s.Name] = &ManagedServer{Name: s.Name, LaunchSpec: s.LaunchSpec, Tier: s.Tier, state: StateIdle}
	}
	return &Daemon{
		logger:      logger.With("component", "toolsdaemon"),
		launcher:    launcher,
		socketPath:  socketPath,
		idleTimeout: idleTimeout,
		healthTick:  healthTick,
		servers:     m,
		metrics:     sharedDaemonMetrics(),
	}, nil
}

// Serve binds the socket and runs the accept loop plus the health-tick
// eviction loop until ctx is cancelled or Shutdown is dispatched.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0o755); err != nil {
		return fmt.Errorf("toolsdaemon: ensure socket dir: %w", err)
	}
	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("toolsdaemon: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("toolsdaemon: listen: %w", err)
	}
	d.listener = ln
	d.logger.Info("daemon listening", "socket", d.socketPath)

	ticker := time.NewTicker(d.healthTick)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.cleanupIdleServers()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				<-done
				return nil
			default:
				return fmt.Errorf("toolsdaemon: accept: %w", err)
			}
		}
		go d.handleConn(conn)
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return
	}

	var req daemonproto.Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		d.writeResponse(conn, daemonproto.ErrorResponse("malformed request: %v", err))
		return
	}

	d.metrics.requestsTotal.WithLabelValues(string(req.Type)).Inc()
	resp := d.dispatch(context.Background(), req)
	d.writeResponse(conn, resp)

	if req.Type == daemonproto.ReqShutdown {
		d.shutdownChildren()
		os.Exit(0)
	}
}

func (d *Daemon) writeResponse(conn net.Conn, resp daemonproto.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

func (d *Daemon) dispatch(ctx context.Context, req daemonproto.Request) daemonproto.Response {
	switch req.Type {
	case daemonproto.ReqPing:
		return daemonproto.Response{Type: daemonproto.RespPong}

	case daemonproto.ReqStatus:
		return daemonproto.Response{Type: daemonproto.RespStatus, Servers: d.statusSnapshot()}

	case daemonproto.ReqListTools:
		tools, err := d.listTools(ctx, req.Server)
		if err != nil {
			return daemonproto.ErrorResponse("%v", err)
		}
		return daemonproto.Response{Type: daemonproto.RespTools, Tools: tools}

	case daemonproto.ReqListAllTools:
		var all []wire.ToolDescriptor
		for name := range d.serverNames() {
			tools, err := d.listTools(ctx, name)
			if err != nil {
				d.logger.Warn("list_tools failed", "server", name, "error", err)
				continue
			}
			all = append(all, tools...)
		}
		return daemonproto.Response{Type: daemonproto.RespTools, Tools: all}

	case daemonproto.ReqCallTool:
		result, err := d.callTool(ctx, req.Server, req.Tool, req.Arguments)
		if err != nil {
			return daemonproto.ErrorResponse("%v", err)
		}
		return daemonproto.Response{Type: daemonproto.RespResult, Result: &result}

	case daemonproto.ReqRefreshServer:
		if err := d.refreshServer(ctx, req.Server); err != nil {
			return daemonproto.ErrorResponse("%v", err)
		}
		return daemonproto.OkResponse()

	case daemonproto.ReqRefreshAll:
		for name := range d.serverNames() {
			if err := d.refreshServer(ctx, name); err != nil {
				d.logger.Warn("refresh failed", "server", name, "error", err)
			}
		}
		return daemonproto.OkResponse()

	case daemonproto.ReqShutdown:
		return daemonproto.OkResponse()

	default:
		return daemonproto.ErrorResponse("unknown request type %q", req.Type)
	}
}

func (d *Daemon) serverNames() map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make(map[string]struct{}, len(d.servers))
	for name := range d.servers {
		names[name] = struct{}{}
	}
	return names
}

func (d *Daemon) statusSnapshot() []daemonproto.ServerStatus {
	d.mu.Lock()
	servers := make([]*ManagedServer, 0, len(d.servers))
	for _, s := range d.servers {
		servers = append(servers, s)
	}
	d.mu.Unlock()

	out := make([]daemonproto.ServerStatus, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.snapshotStatus())
	}
	return out
}

func (d *Daemon) lookup(name string) (*ManagedServer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.servers[name]
	return s, ok
}

// ensureRunning transitions Idle/Stopped/Failed -> Starting -> Running,
// launching the child via the injected ChildLauncher.
func (d *Daemon) ensureRunning(ctx context.Context, m *ManagedServer) error {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStarting
	m.mu.Unlock()
	d.metrics.childState.WithLabelValues(m.Name, string(StateStarting)).Set(1)

	handle, stopper, err := d.launcher.Launch(ctx, m.LaunchSpec)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateFailed
		d.metrics.childState.WithLabelValues(m.Name, string(StateFailed)).Set(1)
		return fmt.Errorf("start %s: %w", m.Name, err)
	}
	m.handle = handle
	m.stopper = stopper
	m.state = StateRunning
	m.startedAt = time.Now()
	m.lastUsed = time.Now()
	d.metrics.childState.WithLabelValues(m.Name, string(StateRunning)).Set(1)
	return nil
}

func (d *Daemon) listTools(ctx context.Context, name string) ([]wire.ToolDescriptor, error) {
	m, ok := d.lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	if err := d.ensureRunning(ctx, m); err != nil {
		return nil, err
	}
	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()

	tools, err := handle.ListTools(ctx)
	if err != nil {
		d.markFailed(m)
		return nil, fmt.Errorf("list_tools %s: %w", name, err)
	}

	m.mu.Lock()
	m.toolCache = tools
	m.lastUsed = time.Now()
	m.mu.Unlock()
	return tools, nil
}

func (d *Daemon) callTool(ctx context.Context, server, tool string, arguments json.RawMessage) (wire.ToolResult, error) {
	m, ok := d.lookup(server)
	if !ok {
		return wire.ToolResult{}, fmt.Errorf("unknown server %q", server)
	}
	if err := d.ensureRunning(ctx, m); err != nil {
		return wire.ToolResult{}, err
	}
	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()

	result, err := handle.CallTool(ctx, tool, arguments)
	if err != nil {
		d.markFailed(m)
		return wire.ToolResult{}, fmt.Errorf("call_tool %s/%s: %w", server, tool, err)
	}
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
	return result, nil
}

func (d *Daemon) markFailed(m *ManagedServer) {
	m.mu.Lock()
	m.state = StateFailed
	m.handle = nil
	m.mu.Unlock()
	d.metrics.childState.WithLabelValues(m.Name, string(StateFailed)).Set(1)
}

func (d *Daemon) refreshServer(ctx context.Context, name string) error {
	m, ok := d.lookup(name)
	if !ok {
		return fmt.Errorf("unknown server %q", name)
	}
	d.stopOne(m)
	return d.ensureRunning(ctx, m)
}

func (d *Daemon) stopOne(m *ManagedServer) {
	m.mu.Lock()
	stopper := m.stopper
	m.handle = nil
	m.stopper = nil
	m.state = StateStopped
	m.mu.Unlock()
	if stopper != nil {
		if err := stopper.Stop(); err != nil {
			d.logger.Warn("stop child failed", "server", m.Name, "error", err)
		}
	}
	d.metrics.childState.WithLabelValues(m.Name, string(StateStopped)).Set(1)
}

// cleanupIdleServers stops any Running server whose last_used exceeds
// idle_timeout, on the periodic health tick.
func (d *Daemon) cleanupIdleServers() {
	d.mu.Lock()
	servers := make([]*ManagedServer, 0, len(d.servers))
	for _, s := range d.servers {
		servers = append(servers, s)
	}
	d.mu.Unlock()

	now := time.Now()
	for _, m := range servers {
		m.mu.Lock()
		idle := m.state == StateRunning && now.Sub(m.lastUsed) > d.idleTimeout
		m.mu.Unlock()
		if idle {
			d.logger.Info("evicting idle server", "server", m.Name)
			d.stopOne(m)
			d.metrics.idleEvicted.Inc()
		}
	}
}

func (d *Daemon) shutdownChildren() {
	d.mu.Lock()
	servers := make([]*ManagedServer, 0, len(d.servers))
	for _, s := range d.servers {
		servers = append(servers, s)
	}
	d.mu.Unlock()
	for _, m := range servers {
		d.stopOne(m)
	}
}
