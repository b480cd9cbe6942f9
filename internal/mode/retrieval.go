package mode

import (
	"context"
	"errors"
	"strings"

	"github.com/stellarlinkco/memorizer/internal/memory"
)

const DefaultRetrievalEveryTokens = 50

// RetrievalPlan is the outcome of a retrieval decision.
type RetrievalPlan struct {
	Needed bool
	Query  string
	Scopes []memory.RetrievalScope
}

// RetrievalPlanner decides when recall is needed and from which scope.
type RetrievalPlanner struct {
	Retriever memory.Retriever
	// Every is the retrieval cadence in generated tokens.
	Every int
	// External adds the external scope to high-fidelity lookups.
	External bool
}

// Plan decides whether text refers to a stable fact or preference that the
// visible sections do not already contain. Detail requests go to raw (and
// external) memory, everything else to compressed memory.
func (p *RetrievalPlanner) Plan(text, visible string) RetrievalPlan {
	if p == nil || p.Retriever == nil || !memory.ShouldRetrieve(text) {
		return RetrievalPlan{}
	}
	keywords := memory.ExtractKeywords(text)
	if len(keywords) == 0 {
		return RetrievalPlan{}
	}
	visible = strings.ToLower(visible)
	missing := false
	for _, k := range keywords {
		if !strings.Contains(visible, k) {
			missing = true
			break
		}
	}
	if !missing {
		return RetrievalPlan{}
	}

	plan := RetrievalPlan{Needed: true, Query: strings.Join(keywords, " ")}
	if memory.NeedsDetail(text) {
		plan.Scopes = []memory.RetrievalScope{memory.ScopeRaw}
		if p.External {
			plan.Scopes = append(plan.Scopes, memory.ScopeExternal)
		}
	} else {
		plan.Scopes = []memory.RetrievalScope{memory.ScopeCompressed}
	}
	return plan
}

// Fetch runs the plan and returns recall entries. Results from scopes that
// succeeded are returned alongside the joined errors of those that failed.
func (p *RetrievalPlanner) Fetch(ctx context.Context, plan RetrievalPlan) ([]memory.Message, error) {
	var (
		out  []memory.Message
		errs []error
	)
	for _, scope := range plan.Scopes {
		results, err := p.Retriever.Retrieve(ctx, plan.Query, scope)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range results {
			out = append(out, memory.Message{
				Role:      memory.RoleMemory,
				Raw:       r.Content,
				Timestamp: r.Timestamp,
			})
		}
	}
	return out, errors.Join(errs...)
}

// Relevant reports whether recalled entries still share a keyword with plan.
func Relevant(recall []memory.Message, plan string) bool {
	plan = strings.ToLower(plan)
	for _, m := range recall {
		for _, k := range memory.ExtractKeywords(m.Raw) {
			if strings.Contains(plan, k) {
				return true
			}
		}
	}
	return false
}
