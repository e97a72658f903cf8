// Package toolpool implements the tool-server pool: a uniform dispatcher
// routing list_tools/call_tool over embedded handlers, a daemon
// reached through a client, or a freshly spawned subprocess, with per-
// server tool caching and tier-based filtering. Grounded on the teacher's
// internal/mcp.Manager (connection/caching/status bookkeeping) generalized
// from "one fixed transport per server" to the three-way owner resolution
// this spec requires.
package toolpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/semaphore"

	"github.com/agentrt/agentrt/internal/apperrors"
	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/wire"
	"github.com/agentrt/agentrt/pkg/toolserver"
)

// ModelSizeClass maps a model to a default maximum tier.
type ModelSizeClass string

const (
	SizeSmall   ModelSizeClass = "small"
	SizeMedium  ModelSizeClass = "medium"
	SizeLarge   ModelSizeClass = "large"
	SizeUnknown ModelSizeClass = "unknown"
)

// DefaultMaxTier returns the default maximum tier for a size class.
func DefaultMaxTier(size ModelSizeClass) int {
	switch size {
	case SizeSmall:
		return 1
	case SizeMedium:
		return 2
	case SizeLarge:
		return 3
	default:
		return 1
	}
}

// DaemonClient is the subset of daemonproto.Client the pool needs; an
// interface so tests can substitute a fake.
type DaemonClient interface {
	Ping() error
	ListTools(server string) ([]wire.ToolDescriptor, error)
	ListAllTools() ([]wire.ToolDescriptor, error)
	CallTool(server, tool string, arguments json.RawMessage) (wire.ToolResult, error)
}

// Spawner starts a short-lived subprocess tool server for one call and
// tears it down afterward, bounded by startup_timeout. Configured servers
// without a running daemon fall back to this.
type Spawner interface {
	ListTools(ctx context.Context, spec config.LaunchSpec, startupTimeout time.Duration) ([]wire.ToolDescriptor, error)
	CallTool(ctx context.Context, spec config.LaunchSpec, startupTimeout time.Duration, tool string, arguments json.RawMessage) (wire.ToolResult, error)
}

type metrics struct {
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	callsTotal    *prometheus.CounterVec
	spawnsInFlight prometheus.Gauge
}

// sharedMetrics is registered once per process: every Pool instance
// (production code builds one per agent, tests build many) shares the same
// collectors rather than each instance self-registering into the default
// registry, which promauto would otherwise reject as a duplicate.
var sharedMetrics = sync.OnceValue(func() *metrics {
	return &metrics{
		cacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_pool_cache_hits_total",
			Help: "Tool-list cache hits by server.",
		}, []string{"server"}),
		cacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_pool_cache_misses_total",
			Help: "Tool-list cache misses by server.",
		}, []string{"server"}),
		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_pool_calls_total",
			Help: "Tool calls dispatched by server and owner kind.",
		}, []string{"server", "owner"}),
		spawnsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_pool_spawns_in_flight",
			Help: "Spawn-per-call subprocesses currently running.",
		}),
	}
})

// Pool is the tool-server pool.
type Pool struct {
	logger *slog.Logger

	embedded map[string]toolserver.Server
	servers  map[string]config.ToolServerConfig // name -> config, excludes "agent"
	daemon   DaemonClient
	spawner  Spawner

	startupTimeout time.Duration

	mu            sync.RWMutex
	toolCache     map[string][]wire.ToolDescriptor // server -> tools
	toolOwner     map[string]string                // tool name -> server name
	daemonChecked bool
	daemonOK      bool

	spawnLimiter *semaphore.Weighted
	metrics      *metrics
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithLogger overrides the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l.With("component", "toolpool") }
}

// WithMaxConcurrentSpawns bounds how many spawn-per-call subprocesses may
// run at once, mirroring the executor's backpressure semaphore but for
// process spawns.
func WithMaxConcurrentSpawns(n int64) Option {
	return func(p *Pool) { p.spawnLimiter = semaphore.NewWeighted(n) }
}

// New builds a Pool. embedded and servers are both optional; the reserved
// name "agent" is rejected in servers.
func New(embedded map[string]toolserver.Server, servers []config.ToolServerConfig, daemon DaemonClient, spawner Spawner, startupTimeout time.Duration, opts ...Option) (*Pool, error) {
	serverMap := make(map[string]config.ToolServerConfig, len(servers))
	for _, s := range servers {
		if s.Name == config.ReservedServerName {
			return nil, fmt.Errorf("toolpool: server name %q is reserved", config.ReservedServerName)
		}
		serverMap[s.Name] = s
	}

	p := &Pool{
		logger:         slog.Default().With("component", "toolpool"),
		embedded:       embedded,
		servers:        serverMap,
		daemon:         daemon,
		spawner:        spawner,
		startupTimeout: startupTimeout,
		toolCache:      make(map[string][]wire.ToolDescriptor),
		toolOwner:      make(map[string]string),
		spawnLimiter:   semaphore.NewWeighted(4),
		metrics:        sharedMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// probeDaemon checks daemon availability once, caching the result until
// ResetDaemonCheck is called.
func (p *Pool) probeDaemon() bool {
	p.mu.RLock()
	if p.daemonChecked {
		ok := p.daemonOK
		p.mu.RUnlock()
		return ok
	}
	p.mu.RUnlock()

	ok := p.daemon != nil && p.daemon.Ping() == nil

	p.mu.Lock()
	p.daemonChecked = true
	p.daemonOK = ok
	p.mu.Unlock()
	return ok
}

// ResetDaemonCheck invalidates the cached daemon-availability probe.
func (p *Pool) ResetDaemonCheck() {
	p.mu.Lock()
	p.daemonChecked = false
	p.mu.Unlock()
}

// ClearCache invalidates every cached tool list.
func (p *Pool) ClearCache() {
	p.mu.Lock()
	p.toolCache = make(map[string][]wire.ToolDescriptor)
	p.toolOwner = make(map[string]string)
	p.mu.Unlock()
}

func (p *Pool) cachedTools(server string) ([]wire.ToolDescriptor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tools, ok := p.toolCache[server]
	return tools, ok
}

func (p *Pool) cacheTools(server string, tools []wire.ToolDescriptor) {
	p.mu.Lock()
	p.toolCache[server] = tools
	for _, t := range tools {
		p.toolOwner[t.Name] = server
	}
	p.mu.Unlock()
}

// ListToolsFrom resolves and caches the tool list for one server, per the
// owner order {embedded, daemon, spawn}.
func (p *Pool) ListToolsFrom(ctx context.Context, server string) ([]wire.ToolDescriptor, error) {
	if tools, ok := p.cachedTools(server); ok {
		p.metrics.cacheHits.WithLabelValues(server).Inc()
		return tools, nil
	}
	p.metrics.cacheMisses.WithLabelValues(server).Inc()

	if h, ok := p.embedded[server]; ok {
		tools, err := h.ListTools(ctx)
		if err != nil {
			return nil, &apperrors.TransportError{ServerName: server, Cause: err}
		}
		tools = validateDescriptors(tools)
		p.cacheTools(server, tools)
		return tools, nil
	}

	cfg, configured := p.servers[server]
	if !configured {
		return nil, apperrors.ErrToolNotFound
	}

	if p.probeDaemon() {
		tools, err := p.daemon.ListTools(server)
		if err == nil {
			tools = validateDescriptors(tools)
			p.cacheTools(server, tools)
			return tools, nil
		}
		p.logger.Warn("daemon list_tools failed, falling back to spawn", "server", server, "error", err)
	}

	if p.spawner == nil {
		return nil, &apperrors.TransportError{ServerName: server, Cause: fmt.Errorf("no spawner configured and daemon unavailable")}
	}
	if err := p.spawnLimiter.Acquire(ctx, 1); err != nil {
		return nil, &apperrors.TransportError{ServerName: server, Cause: err}
	}
	p.metrics.spawnsInFlight.Inc()
	tools, err := p.spawner.ListTools(ctx, cfg.LaunchSpec, p.startupTimeout)
	p.metrics.spawnsInFlight.Dec()
	p.spawnLimiter.Release(1)
	if err != nil {
		return nil, &apperrors.TransportError{ServerName: server, Cause: err}
	}
	tools = validateDescriptors(tools)
	p.cacheTools(server, tools)
	return tools, nil
}

// ListAllTools is the union of ListToolsFrom over every known server name,
// excluding the reserved name, logging and skipping per-server failures.
func (p *Pool) ListAllTools(ctx context.Context) []wire.ToolDescriptor {
	var all []wire.ToolDescriptor
	for name := range p.embedded {
		if name == config.ReservedServerName {
			continue
		}
		tools, err := p.ListToolsFrom(ctx, name)
		if err != nil {
			p.logger.Warn("list_tools failed", "server", name, "error", err)
			continue
		}
		all = append(all, tools...)
	}
	for name := range p.servers {
		if _, isEmbedded := p.embedded[name]; isEmbedded {
			continue
		}
		tools, err := p.ListToolsFrom(ctx, name)
		if err != nil {
			p.logger.Warn("list_tools failed", "server", name, "error", err)
			continue
		}
		all = append(all, tools...)
	}
	return all
}

// ServerForTool is a cache-only lookup, no I/O, for metric tagging.
func (p *Pool) ServerForTool(toolName string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	server, ok := p.toolOwner[toolName]
	return server, ok
}

// CallTool invokes a tool by name, resolving its owner the same way tool
// lookup always does: an embedded handler owning the name wins regardless of daemon availability;
// otherwise the owning server is located by scanning tool lists (lazily
// populating the cache) and dispatched via the daemon if available, else a
// fresh spawn.
func (p *Pool) CallTool(ctx context.Context, toolName string, arguments json.RawMessage) (wire.ToolResult, error) {
	for name, h := range p.embedded {
		result, err := h.CallTool(ctx, toolName, arguments)
		if err == nil {
			p.mu.Lock()
			p.toolOwner[toolName] = name
			p.mu.Unlock()
			p.metrics.callsTotal.WithLabelValues(name, "embedded").Inc()
			return result, nil
		}
		if !errors.Is(err, toolserver.ErrNoSuchTool) {
			return wire.ToolResult{}, err
		}
	}

	server, ok := p.ServerForTool(toolName)
	if !ok {
		// Last resort: scan every configured server's tool list.
		for name := range p.servers {
			tools, err := p.ListToolsFrom(ctx, name)
			if err != nil {
				continue
			}
			for _, t := range tools {
				if t.Name == toolName {
					server = name
					ok = true
					break
				}
			}
			if ok {
				break
			}
		}
	}
	if !ok {
		return wire.ToolResult{}, apperrors.ErrToolNotFound
	}

	cfg := p.servers[server]

	if p.probeDaemon() {
		result, err := p.daemon.CallTool(server, toolName, arguments)
		if err == nil {
			p.metrics.callsTotal.WithLabelValues(server, "daemon").Inc()
			return result, nil
		}
		p.logger.Warn("daemon call_tool failed, falling back to spawn", "server", server, "tool", toolName, "error", err)
	}

	if p.spawner == nil {
		return wire.ToolResult{}, &apperrors.TransportError{ServerName: server, Cause: fmt.Errorf("no spawner configured and daemon unavailable")}
	}
	if err := p.spawnLimiter.Acquire(ctx, 1); err != nil {
		return wire.ToolResult{}, &apperrors.TransportError{ServerName: server, Cause: err}
	}
	p.metrics.spawnsInFlight.Inc()
	result, err := p.spawner.CallTool(ctx, cfg.LaunchSpec, p.startupTimeout, toolName, arguments)
	p.metrics.spawnsInFlight.Dec()
	p.spawnLimiter.Release(1)
	if err != nil {
		return wire.ToolResult{}, &apperrors.TransportError{ServerName: server, Cause: err}
	}
	p.metrics.callsTotal.WithLabelValues(server, "spawn").Inc()
	return result, nil
}

// ServerNamesForTier returns every non-reserved server name with tier ≤
// maxTier.
func (p *Pool) ServerNamesForTier(maxTier int) []string {
	var names []string
	for name, cfg := range p.servers {
		if cfg.Tier <= maxTier {
			names = append(names, name)
		}
	}
	return names
}

// Profile is an explicit server allowlist that overrides tier filtering.
type Profile struct {
	Name           string
	ServerAllowlist []string
}

// ServerNamesForProfile returns the profile's allowlist verbatim if set,
// otherwise falls back to the empty set (callers should use
// ServerNamesForTier directly when no profile is supplied).
func (p *Pool) ServerNamesForProfile(profile Profile) []string {
	if len(profile.ServerAllowlist) > 0 {
		return profile.ServerAllowlist
	}
	return nil
}

func validateDescriptors(tools []wire.ToolDescriptor) []wire.ToolDescriptor {
	out := make([]wire.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if len(t.InputSchema) > 0 {
			if _, err := compileSchema(t.InputSchema); err != nil {
				// Malformed schema: keep the descriptor (listing must not
				// fail), argument validation simply won't be possible.
				out = append(out, t)
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

var schemaCache sync.Map

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("tool-input-schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArguments validates a call_tool argument payload against a tool
// descriptor's input schema, when one is present.
func ValidateArguments(descriptor wire.ToolDescriptor, arguments json.RawMessage) error {
	if len(descriptor.InputSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(descriptor.InputSchema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", descriptor.Name, err)
	}
	var decoded any
	if len(arguments) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(arguments, &decoded); err != nil {
		return fmt.Errorf("decode arguments for %s: %w", descriptor.Name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments for %s invalid: %w", descriptor.Name, err)
	}
	return nil
}
