package stdiolauncher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentrt/agentrt/internal/config"
)

func echoScript(reply string) config.LaunchSpec {
	return config.LaunchSpec{
		Command: "sh",
		Args:    []string{"-c", "read _line; printf '" + reply + "\\n'"},
	}
}

func TestProcessListTools(t *testing.T) {
	spec := echoScript(`{"id":1,"result":{"tools":[{"name":"ping","description":"pings"}]}}`)

	p, err := Launch(context.Background(), "echo-server", spec, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer p.Stop()

	tools, err := p.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("tools = %+v, want one ping tool", tools)
	}
	if tools[0].Server != "echo-server" {
		t.Errorf("Server = %q, want echo-server stamped by ListTools", tools[0].Server)
	}
}

func TestProcessCallTool(t *testing.T) {
	spec := echoScript(`{"id":1,"result":{"content":[{"type":"text","text":"pong"}]}}`)

	p, err := Launch(context.Background(), "echo-server", spec, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer p.Stop()

	result, err := p.CallTool(context.Background(), "ping", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "pong" {
		t.Errorf("result text = %q, want pong", result.Text())
	}
}

func TestProcessCallToolError(t *testing.T) {
	spec := echoScript(`{"id":1,"error":{"code":1,"message":"boom"}}`)

	p, err := Launch(context.Background(), "echo-server", spec, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer p.Stop()

	_, err = p.CallTool(context.Background(), "ping", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an error for a JSON-RPC error reply")
	}
}

func TestLaunchRejectsEmptyCommand(t *testing.T) {
	_, err := Launch(context.Background(), "x", config.LaunchSpec{}, nil)
	if err == nil {
		t.Fatal("expected an error for a launch spec with no command")
	}
}

func TestPerCallSpawnerListToolsStopsChildAfterCall(t *testing.T) {
	spawner := &PerCallSpawner{}
	spec := echoScript(`{"id":1,"result":{"tools":[{"name":"ping"}]}}`)

	tools, err := spawner.ListTools(context.Background(), spec, 5*time.Second)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("tools = %+v, want one tool", tools)
	}
}
