package mode

import (
	"context"
	"strings"

	"github.com/stellarlinkco/memorizer/internal/workspace"
)

// Reading is what an interpreter takes from one segment.
type Reading struct {
	Update        workspace.Update
	Contradiction bool
	// Text is the segment with workspace tags removed.
	Text string
}

// Interpreter turns a generated segment into a workspace revision.
type Interpreter interface {
	Interpret(ctx context.Context, mode Mode, segment string, current workspace.Workspace) (Reading, error)
}

type InterpreterFunc func(ctx context.Context, mode Mode, segment string, current workspace.Workspace) (Reading, error)

func (f InterpreterFunc) Interpret(ctx context.Context, mode Mode, segment string, current workspace.Workspace) (Reading, error) {
	return f(ctx, mode, segment, current)
}

// TaggedInterpreter reads tagged lines such as "PLAN: ..." from the segment.
// Recognised tags: INTENT, WHY, CONFIDENCE, THEORY, PLAN, QUESTION, RESOLVED,
// NEXT and CONTRADICTION. An unparseable confidence is ignored.
type TaggedInterpreter struct{}

func (TaggedInterpreter) Interpret(_ context.Context, mode Mode, segment string, current workspace.Workspace) (Reading, error) {
	var r Reading
	kept := make([]string, 0, 8)
	var plan []string

	for _, line := range strings.Split(segment, "\n") {
		tag, value, ok := splitTag(line)
		if !ok {
			kept = append(kept, line)
			continue
		}
		switch tag {
		case "INTENT":
			r.Update.IntentHypothesis = workspace.Str(value)
		case "WHY":
			r.Update.Rationale = workspace.Str(value)
		case "CONFIDENCE":
			if c, err := workspace.ParseConfidence(value); err == nil {
				r.Update.Confidence = workspace.Level(c)
			}
		case "THEORY":
			if current.Theory != "" && value != "" && !strings.EqualFold(current.Theory, value) && mode == Execute {
				r.Contradiction = true
			}
			r.Update.Theory = workspace.Str(value)
		case "PLAN":
			plan = append(plan, value)
		case "QUESTION":
			r.Update.AddOpenQuestions = append(r.Update.AddOpenQuestions, value)
		case "RESOLVED":
			r.Update.ResolveOpenQuestions = append(r.Update.ResolveOpenQuestions, value)
		case "NEXT":
			r.Update.NextStep = workspace.Str(value)
		case "CONTRADICTION":
			r.Contradiction = true
		}
	}
	r.Text = strings.Join(kept, "\n")

	if len(plan) > 0 {
		r.Update.Plan = workspace.Str(strings.Join(plan, "\n"))
	} else if text := strings.TrimSpace(r.Text); mode == Plan && text != "" {
		// Untagged output in PLAN mode is the plan.
		r.Update.Plan = workspace.Str(text)
	}
	return r, nil
}

var tags = []string{"INTENT", "WHY", "CONFIDENCE", "THEORY", "PLAN", "QUESTION", "RESOLVED", "NEXT", "CONTRADICTION"}

func splitTag(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	name, value, ok := strings.Cut(trimmed, ":")
	if !ok {
		return "", "", false
	}
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, t := range tags {
		if name == t {
			return t, strings.TrimSpace(value), true
		}
	}
	return "", "", false
}
