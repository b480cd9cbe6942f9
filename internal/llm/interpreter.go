package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"go.uber.org/zap"

	"github.com/stellarlinkco/memorizer/internal/mode"
	"github.com/stellarlinkco/memorizer/internal/workspace"
)

const interpretMaxTokens = 512

const interpretPrompt = `You maintain an assistant's private workspace. Read the current workspace and the newly
generated segment, then return strict JSON with only the fields that should change:
{"intent":"...","why":"...","confidence":"low|medium|high","theory":"...","plan":"...",
"questions":["..."],"resolved":["..."],"next":"...","contradiction":false}
Set contradiction to true when the segment contradicts the workspace theory.

Mode: %s

Workspace:
%s

Segment:
%s`

type interpretation struct {
	Intent        *string  `json:"intent"`
	Why           *string  `json:"why"`
	Confidence    *string  `json:"confidence"`
	Theory        *string  `json:"theory"`
	Plan          *string  `json:"plan"`
	Questions     []string `json:"questions"`
	Resolved      []string `json:"resolved"`
	Next          *string  `json:"next"`
	Contradiction bool     `json:"contradiction"`
}

// Interpreter asks the model to read a segment into a workspace update. Tagged
// lines are still honoured, and a reply that is not valid JSON falls back to them.
type Interpreter struct {
	client *Client
	tagged mode.TaggedInterpreter
}

func NewInterpreter(c *Client) *Interpreter {
	return &Interpreter{client: c}
}

func (in *Interpreter) Interpret(ctx context.Context, m mode.Mode, segment string, current workspace.Workspace) (mode.Reading, error) {
	reading, err := in.tagged.Interpret(ctx, m, segment, current)
	if err != nil {
		return mode.Reading{}, err
	}

	resp, err := in.client.complete(ctx, model.Request{
		MaxTokens: interpretMaxTokens,
		Messages: []model.Message{{
			Role:    "user",
			Content: fmt.Sprintf(interpretPrompt, m, current.Render(), segment),
		}},
	})
	if err != nil {
		return mode.Reading{}, fmt.Errorf("interpret segment: %w", err)
	}

	var parsed interpretation
	if err := json.Unmarshal([]byte(stripFence(resp.Message.TextContent())), &parsed); err != nil {
		in.client.opts.Logger.Debug("interpretation is not JSON, using tagged lines", zap.Error(err))
		return reading, nil
	}
	merge(&reading, parsed)
	return reading, nil
}

// merge lays the model's reading over the tagged one. Tags win on conflict.
func merge(r *mode.Reading, p interpretation) {
	u := &r.Update
	if u.IntentHypothesis == nil && p.Intent != nil {
		u.IntentHypothesis = p.Intent
	}
	if u.Rationale == nil && p.Why != nil {
		u.Rationale = p.Why
	}
	if u.Confidence == nil && p.Confidence != nil {
		if c, err := workspace.ParseConfidence(*p.Confidence); err == nil {
			u.Confidence = workspace.Level(c)
		}
	}
	if u.Theory == nil && p.Theory != nil {
		u.Theory = p.Theory
	}
	if u.Plan == nil && p.Plan != nil && strings.TrimSpace(*p.Plan) != "" {
		u.Plan = p.Plan
	}
	if u.NextStep == nil && p.Next != nil {
		u.NextStep = p.Next
	}
	u.AddOpenQuestions = append(u.AddOpenQuestions, p.Questions...)
	u.ResolveOpenQuestions = append(u.ResolveOpenQuestions, p.Resolved...)
	r.Contradiction = r.Contradiction || p.Contradiction
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
