package workspace

import (
	"fmt"
	"slices"
	"strings"
)

// Confidence is the agent's confidence in its current intent hypothesis.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// ParseConfidence accepts the three levels, case-insensitively.
func ParseConfidence(s string) (Confidence, error) {
	c := Confidence(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &InvalidConfidenceError{Value: s}
	}
	return c, nil
}

type InvalidConfidenceError struct {
	Value string
}

func (e *InvalidConfidenceError) Error() string {
	return fmt.Sprintf("invalid confidence %q (want low, medium or high)", e.Value)
}

// Workspace is the agent's internal belief state. It is never shown to the user.
type Workspace struct {
	IntentHypothesis string     `json:"intent_hypothesis"`
	Rationale        string     `json:"rationale"`
	Confidence       Confidence `json:"confidence"`
	Theory           string     `json:"theory"`
	Plan             string     `json:"plan"`
	OpenQuestions    []string   `json:"open_questions"`
	NextStep         string     `json:"next_step"`
}

// New returns the initial workspace: low confidence and nothing else known.
func New() Workspace {
	return Workspace{Confidence: ConfidenceLow}
}

func (w Workspace) clone() Workspace {
	out := w
	out.OpenQuestions = slices.Clone(w.OpenQuestions)
	return out
}

// Update is a partial revision. Nil fields are left untouched.
type Update struct {
	IntentHypothesis     *string     `json:"intent_hypothesis,omitempty"`
	Rationale            *string     `json:"rationale,omitempty"`
	Confidence           *Confidence `json:"confidence,omitempty"`
	Theory               *string     `json:"theory,omitempty"`
	Plan                 *string     `json:"plan,omitempty"`
	NextStep             *string     `json:"next_step,omitempty"`
	AddOpenQuestions     []string    `json:"add_open_questions,omitempty"`
	ResolveOpenQuestions []string    `json:"resolve_open_questions,omitempty"`
}

// Str returns a pointer to s, for building updates.
func Str(s string) *string {
	return &s
}

// Level returns a pointer to c, for building updates.
func Level(c Confidence) *Confidence {
	return &c
}

func (u Update) Empty() bool {
	return u.IntentHypothesis == nil && u.Rationale == nil && u.Confidence == nil &&
		u.Theory == nil && u.Plan == nil && u.NextStep == nil &&
		len(u.AddOpenQuestions) == 0 && len(u.ResolveOpenQuestions) == 0
}

// CommitsPlan reports whether u sets a non-empty plan. A plan carried over
// from an earlier turn does not count.
func (u Update) CommitsPlan() bool {
	return u.Plan != nil && strings.TrimSpace(*u.Plan) != ""
}

func (u Update) validate() error {
	if u.Confidence != nil && !u.Confidence.Valid() {
		return &InvalidConfidenceError{Value: string(*u.Confidence)}
	}
	return nil
}

// apply merges u into w and returns the names of fields that changed.
func (u Update) apply(w *Workspace) []string {
	changed := make([]string, 0, 4)
	set := func(name string, dst *string, v *string) {
		if v == nil {
			return
		}
		val := strings.TrimSpace(*v)
		if *dst != val {
			*dst = val
			changed = append(changed, name)
		}
	}
	set("intent_hypothesis", &w.IntentHypothesis, u.IntentHypothesis)
	set("rationale", &w.Rationale, u.Rationale)
	set("theory", &w.Theory, u.Theory)
	set("plan", &w.Plan, u.Plan)
	set("next_step", &w.NextStep, u.NextStep)
	if u.Confidence != nil && w.Confidence != *u.Confidence {
		w.Confidence = *u.Confidence
		changed = append(changed, "confidence")
	}

	questionsChanged := false
	for _, q := range u.ResolveOpenQuestions {
		q = strings.TrimSpace(q)
		if i := slices.Index(w.OpenQuestions, q); i >= 0 {
			w.OpenQuestions = slices.Delete(w.OpenQuestions, i, i+1)
			questionsChanged = true
		}
	}
	for _, q := range u.AddOpenQuestions {
		q = strings.TrimSpace(q)
		if q == "" || slices.Contains(w.OpenQuestions, q) {
			continue
		}
		w.OpenQuestions = append(w.OpenQuestions, q)
		questionsChanged = true
	}
	if questionsChanged {
		changed = append(changed, "open_questions")
	}
	return changed
}

// Render formats the workspace as a compact block. Empty fields are omitted,
// except confidence.
func (w Workspace) Render() string {
	var b strings.Builder
	line := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", label, value)
	}
	line("Intent", w.IntentHypothesis)
	line("Rationale", w.Rationale)
	confidence := w.Confidence
	if confidence == "" {
		confidence = ConfidenceLow
	}
	line("Confidence", string(confidence))
	line("Theory", w.Theory)
	line("Plan", w.Plan)
	if len(w.OpenQuestions) > 0 {
		b.WriteString("Open questions:\n")
		for _, q := range w.OpenQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	line("Next step", w.NextStep)
	return strings.TrimRight(b.String(), "\n")
}
