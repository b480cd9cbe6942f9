package mode

import (
	"context"
	"strings"

	"github.com/stellarlinkco/memorizer/internal/assembler"
)

const DefaultCheckpointTokens = 500

// Checkpoint is a pause point between generated segments.
type Checkpoint struct {
	Index            int
	Mode             Mode
	TokensSinceLast  int
	SemanticBoundary bool
	Text             string
}

type StopReason string

const (
	StopLength   StopReason = "length"
	StopBoundary StopReason = "boundary"
	StopEnd      StopReason = "end"
)

// CompleteOptions bounds one generated segment.
type CompleteOptions struct {
	MaxTokens int
	Stop      []string
}

// Completion is one generated segment.
type Completion struct {
	Text string
	// Tokens is the number of generated tokens. Zero means unknown and is counted locally.
	Tokens     int
	Finished   bool
	StopReason StopReason
}

// Completer is the external text generation capability. It generates at most
// MaxTokens and may stop early at a semantic boundary.
type Completer interface {
	Complete(ctx context.Context, payload assembler.Payload, opts CompleteOptions) (Completion, error)
}

type CompleterFunc func(ctx context.Context, payload assembler.Payload, opts CompleteOptions) (Completion, error)

func (f CompleterFunc) Complete(ctx context.Context, payload assembler.Payload, opts CompleteOptions) (Completion, error) {
	return f(ctx, payload, opts)
}

// semanticBoundary reports whether a segment ended at a paragraph end or a
// decision point rather than at the token limit.
func semanticBoundary(c Completion) bool {
	if c.StopReason == StopBoundary {
		return true
	}
	if c.StopReason == StopLength {
		return false
	}
	return strings.HasSuffix(c.Text, "\n\n")
}
