package stdiolauncher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/toolpool"
	"github.com/agentrt/agentrt/internal/toolsdaemon"
	"github.com/agentrt/agentrt/internal/wire"
	"github.com/agentrt/agentrt/pkg/toolserver"
)

var (
	_ toolsdaemon.ChildLauncher = (*DaemonLauncher)(nil)
	_ toolpool.Spawner          = (*PerCallSpawner)(nil)
)

// DaemonLauncher implements toolsdaemon.ChildLauncher: the daemon launches
// one long-lived Process per managed server and keeps it for the
// server's idle lifetime.
type DaemonLauncher struct {
	Logger *slog.Logger
}

// Launch starts spec as a long-lived child for the daemon's ManagedServer
// bookkeeping. Launch is not given the server name, so spec.Command is
// passed as the name ListTools stamps onto the returned descriptors.
func (l *DaemonLauncher) Launch(ctx context.Context, spec config.LaunchSpec) (toolserver.Server, toolsdaemon.Stopper, error) {
	name := spec.Command
	p, err := Launch(ctx, name, spec, l.Logger)
	if err != nil {
		return nil, nil, err
	}
	return p, p, nil
}

// PerCallSpawner implements toolpool.Spawner: it starts a fresh Process for
// one list_tools or call_tool invocation and tears it down immediately
// after. The pool uses it when the daemon is unreachable or fails the
// request.
type PerCallSpawner struct {
	Logger *slog.Logger
}

// ListTools implements toolpool.Spawner.
func (s *PerCallSpawner) ListTools(ctx context.Context, spec config.LaunchSpec, startupTimeout time.Duration) ([]wire.ToolDescriptor, error) {
	launchCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	p, err := Launch(launchCtx, spec.Command, spec, s.Logger)
	if err != nil {
		return nil, err
	}
	defer p.Stop()

	return p.ListTools(ctx)
}

// CallTool implements toolpool.Spawner.
func (s *PerCallSpawner) CallTool(ctx context.Context, spec config.LaunchSpec, startupTimeout time.Duration, tool string, arguments json.RawMessage) (wire.ToolResult, error) {
	launchCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	p, err := Launch(launchCtx, spec.Command, spec, s.Logger)
	if err != nil {
		return wire.ToolResult{}, err
	}
	defer p.Stop()

	return p.CallTool(ctx, tool, arguments)
}
