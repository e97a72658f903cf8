// Package events defines the agent loop's typed event stream: a tagged
// union of AgentEvent variants and an unbounded, lossless, multi-producer
// single-consumer channel pair, grounded on the teacher's event_emitter.go
// / event_sink.go split (one side emits, the other drains into storage).
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Kind tags which variant an AgentEvent carries.
type Kind string

const (
	KindProcessingStart  Kind = "processing_start"
	KindIteration        Kind = "iteration"
	KindToolStart        Kind = "tool_start"
	KindToolComplete     Kind = "tool_complete"
	KindToken            Kind = "token"
	KindStepStarted      Kind = "step_started"
	KindResponseComplete Kind = "response_complete"
	KindError            Kind = "error"
)

// ErrorKind classifies a ToolComplete failure for metrics and for the
// run-recorder's event payload.
type ErrorKind string

const (
	ErrorKindTimeout           ErrorKind = "Timeout"
	ErrorKindConnectionRefused ErrorKind = "ConnectionRefused"
	ErrorKindServerCrashed     ErrorKind = "ServerCrashed"
	ErrorKindToolError         ErrorKind = "ToolError"
	ErrorKindUnknown           ErrorKind = "Unknown"
)

// ClassifyError inspects a tool result string (never the transport) and
// returns the error-kind substring match.
func ClassifyError(resultText string, isError bool) ErrorKind {
	lower := strings.ToLower(resultText)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return ErrorKindTimeout
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "refused"):
		return ErrorKindConnectionRefused
	case strings.Contains(lower, "crashed"), strings.Contains(lower, "died"):
		return ErrorKindServerCrashed
	case isError:
		return ErrorKindToolError
	default:
		return ErrorKindUnknown
	}
}

// AgentEvent is the tagged union emitted by the agent loop. Only the field
// matching Kind is populated; the others are the zero value.
type AgentEvent struct {
	Kind Kind

	// ProcessingStart
	UserMessage string

	// Iteration
	IterationNumber  int
	PriorToolCalls   int

	// ToolStart / ToolComplete
	ToolName      string
	ToolArguments json.RawMessage
	ToolResult    string
	ToolDuration  time.Duration
	ToolIsError   bool
	ToolErrorKind ErrorKind

	// Token (reserved for streaming)
	Content string

	// StepStarted (workflow-level)
	StepIndex int
	StepName  string

	// ResponseComplete
	FinalContent  string
	Iterations    int
	TotalDuration time.Duration

	// Error
	Message string
}

// ProcessingStart builds a KindProcessingStart event.
func ProcessingStart(userMessage string) AgentEvent {
	return AgentEvent{Kind: KindProcessingStart, UserMessage: userMessage}
}

// Iteration builds a KindIteration event.
func Iteration(number, priorToolCalls int) AgentEvent {
	return AgentEvent{Kind: KindIteration, IterationNumber: number, PriorToolCalls: priorToolCalls}
}

// ToolStart builds a KindToolStart event.
func ToolStart(name string, args json.RawMessage) AgentEvent {
	return AgentEvent{Kind: KindToolStart, ToolName: name, ToolArguments: args}
}

// ToolComplete builds a KindToolComplete event.
func ToolComplete(name, result string, dur time.Duration, isError bool, kind ErrorKind) AgentEvent {
	return AgentEvent{
		Kind: KindToolComplete, ToolName: name, ToolResult: result,
		ToolDuration: dur, ToolIsError: isError, ToolErrorKind: kind,
	}
}

// StepStarted builds a KindStepStarted event.
func StepStarted(index int, name string) AgentEvent {
	return AgentEvent{Kind: KindStepStarted, StepIndex: index, StepName: name}
}

// ResponseComplete builds a KindResponseComplete event.
func ResponseComplete(content string, iterations int, total time.Duration) AgentEvent {
	return AgentEvent{Kind: KindResponseComplete, FinalContent: content, Iterations: iterations, TotalDuration: total}
}

// Error builds a KindError event.
func Error(message string) AgentEvent {
	return AgentEvent{Kind: KindError, Message: message}
}

// Bus is an unbounded, multi-producer single-consumer event queue. Unlike
// the teacher's ChanSink (a fixed-capacity chan), Send never drops and
// never blocks the producer on a full buffer: events queue in a growing
// slice guarded by a condition variable. The consumer learns the stream
// has ended only once every Sender derived from this Bus has been closed,
// mirroring a WaitGroup's "last one out" signal.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []AgentEvent
	senders int
	closed  bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	b := &Bus{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Sender is one producer handle onto a Bus.
type Sender struct {
	bus    *Bus
	closed bool
}

// NewSender registers a new producer. The bus only reaches end-of-stream
// once every Sender obtained this way has been Closed.
func (b *Bus) NewSender() *Sender {
	b.mu.Lock()
	b.senders++
	b.mu.Unlock()
	return &Sender{bus: b}
}

// Send enqueues an event. Never blocks, never drops.
func (s *Sender) Send(e AgentEvent) {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, e)
	b.cond.Signal()
}

// Close releases this producer's hold on the bus. Once every outstanding
// Sender has called Close, the bus is marked closed and any blocked
// Receiver wakes with (zero, false).
func (s *Sender) Close() {
	if s.closed {
		return
	}
	s.closed = true
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders--
	if b.senders <= 0 {
		b.closed = true
		b.cond.Broadcast()
	}
}

// Receiver is the single consumer side of a Bus.
type Receiver struct {
	bus *Bus
}

// Receiver returns this bus's consumer handle.
func (b *Bus) Receiver() *Receiver {
	return &Receiver{bus: b}
}

// Recv blocks until an event is available or every Sender has closed, in
// which case ok is false.
func (r *Receiver) Recv() (event AgentEvent, ok bool) {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return AgentEvent{}, false
	}
	event = b.queue[0]
	b.queue = b.queue[1:]
	return event, true
}

// Drain reads every currently queued event without blocking, leaving the
// bus open for further sends.
func (r *Receiver) Drain() []AgentEvent {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}
