package workflow

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// CheckpointKind is the outcome of one checkpoint step.
type CheckpointKind string

const (
	CheckpointApproved         CheckpointKind = "Approved"
	CheckpointApprovedWithNote CheckpointKind = "ApprovedWithNote"
	CheckpointEdit             CheckpointKind = "Edit"
	CheckpointRejected         CheckpointKind = "Rejected"
)

// CheckpointOutcome is what a CheckpointHandler returns for one checkpoint
// step. Note carries the approval note or the edited text, depending on
// Kind.
type CheckpointOutcome struct {
	Kind CheckpointKind
	Note string
}

// CheckpointHandler decides the outcome of a checkpoint step: an
// interactive prompt, an auto-approve policy for unattended runs, or a
// custom handler a caller supplies.
type CheckpointHandler interface {
	Handle(ctx context.Context, message, contextValue string) (CheckpointOutcome, error)
}

// AutoApprove approves every checkpoint without a note. Suitable for
// benchmarks and other unattended runs.
type AutoApprove struct{}

// Handle implements CheckpointHandler.
func (AutoApprove) Handle(ctx context.Context, message, contextValue string) (CheckpointOutcome, error) {
	return CheckpointOutcome{Kind: CheckpointApproved}, nil
}

// InteractivePrompt asks for a decision on In/Out, defaulting to
// os.Stdin/os.Stdout.
type InteractivePrompt struct {
	In  io.Reader
	Out io.Writer
}

// Handle implements CheckpointHandler.
func (p InteractivePrompt) Handle(ctx context.Context, message, contextValue string) (CheckpointOutcome, error) {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	in := p.In
	if in == nil {
		in = os.Stdin
	}

	fmt.Fprintln(out, message)
	if contextValue != "" {
		fmt.Fprintln(out, contextValue)
	}
	fmt.Fprint(out, "[a]pprove / [n]ote / [e]dit / [r]eject: ")

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return CheckpointOutcome{}, fmt.Errorf("workflow: read checkpoint response: %w", err)
	}
	line = strings.ToLower(strings.TrimSpace(line))

	switch {
	case strings.HasPrefix(line, "r"):
		return CheckpointOutcome{Kind: CheckpointRejected}, nil
	case strings.HasPrefix(line, "n"):
		fmt.Fprint(out, "note: ")
		note, _ := reader.ReadString('\n')
		return CheckpointOutcome{Kind: CheckpointApprovedWithNote, Note: strings.TrimSpace(note)}, nil
	case strings.HasPrefix(line, "e"):
		fmt.Fprint(out, "edits: ")
		edits, _ := reader.ReadString('\n')
		return CheckpointOutcome{Kind: CheckpointEdit, Note: strings.TrimSpace(edits)}, nil
	default:
		return CheckpointOutcome{Kind: CheckpointApproved}, nil
	}
}
