// Package apperrors defines the runtime's error taxonomy: a set of
// sentinel errors plus a structured Kind classification, grounded on the
// teacher's internal/agent/errors.go (ToolErrorType / classifyToolError /
// LoopError). Unlike the teacher, classification here follows the kinds the
// agent runtime actually needs: LLM transport/protocol, pool dispatch, and
// daemon/transport failures.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors raised by the pool and daemon client.
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrDaemonUnavailable = errors.New("daemon unavailable")
	ErrServerCrashed     = errors.New("tool server crashed")
)

// Kind is used for event tagging and metrics, not a Go error type
// hierarchy: a classification label.
type Kind string

const (
	KindLLMTransport      Kind = "LLMTransport"
	KindLLMProtocol       Kind = "LLMProtocol"
	KindToolNotFound      Kind = "ToolNotFound"
	KindToolTimeout       Kind = "ToolTimeout"
	KindToolError         Kind = "ToolError"
	KindDaemonUnavailable Kind = "DaemonUnavailable"
	KindServerCrashed     Kind = "ServerCrashed"
	KindConnectionRefused Kind = "ConnectionRefused"
	KindSchemaMismatch    Kind = "SchemaMismatch"
	KindInternalError     Kind = "InternalError"
	KindUnknown           Kind = "Unknown"
)

// ClassifyResultText classifies a tool result by a substring match over
// the raw tool result string, never the transport,
// since embedded and subprocess tools funnel through the same result
// shape.
func ClassifyResultText(resultText string, isError bool) Kind {
	lower := strings.ToLower(resultText)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return KindToolTimeout
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "refused"):
		return KindConnectionRefused
	case strings.Contains(lower, "crashed"), strings.Contains(lower, "died"):
		return KindServerCrashed
	case isError:
		return KindToolError
	default:
		return KindUnknown
	}
}

// TransportError wraps a dispatch-layer failure (spawn/connect) the pool
// surfaces to the agent loop so it can be converted into a tool-result
// message.
type TransportError struct {
	ServerName string
	Cause      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error contacting %q: %v", e.ServerName, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// LoopPhase names a phase of the agent loop, for diagnostic LoopError
// messages.
type LoopPhase string

const (
	PhaseDiscoverTools LoopPhase = "discover_tools"
	PhaseLLMCall       LoopPhase = "llm_call"
	PhaseExecuteTools  LoopPhase = "execute_tools"
	PhaseFinalize      LoopPhase = "finalize"
)

// LoopError carries the phase and iteration an agent-loop error occurred
// in, mirroring the teacher's LoopError.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("agent loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("agent loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

func (e *LoopError) Unwrap() error { return e.Cause }
