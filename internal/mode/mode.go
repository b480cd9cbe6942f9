package mode

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/memorizer/internal/workspace"
)

// Mode is one state of the per-turn controller.
type Mode string

const (
	Interpret Mode = "INTERPRET"
	Question  Mode = "QUESTION"
	Plan      Mode = "PLAN"
	Execute   Mode = "EXECUTE"
	Reflect   Mode = "REFLECT"
	Update    Mode = "UPDATE"
)

var Modes = []Mode{Interpret, Question, Plan, Execute, Reflect, Update}

func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q", s)
	}
	return m, nil
}

// Delivers reports whether output generated in m is shown to the user.
func (m Mode) Delivers() bool {
	return m == Execute || m == Question
}

var directives = map[Mode]string{
	Interpret: "Interpret the latest user message. State INTENT, WHY and CONFIDENCE (low, medium or high). Do not answer yet.",
	Question:  "Ask the user one short clarifying question. Do not answer the request yet.",
	Plan:      "Commit to a PLAN for the answer and the NEXT step. Do not answer yet.",
	Execute:   "Answer the user following the plan. Continue from the partial answer if there is one.",
	Reflect:   "The last segment contradicted the theory. Revise THEORY and PLAN before continuing.",
	Update:    "Revise the workspace from what was generated since the last checkpoint.",
}

// Directive is the instruction rendered under the workspace block while in m.
func Directive(m Mode) string {
	return "Mode: " + string(m) + "\n" + directives[m]
}

// Signals is what the controller knows at a checkpoint.
type Signals struct {
	Confidence         workspace.Confidence
	ClarificationAsked bool
	// PlanCommitted is true once a plan was committed in PLAN or REFLECT this turn.
	PlanCommitted   bool
	Contradiction   bool
	ReflectionsLeft bool
	Finished        bool
}

// Decision is the outcome of a transition.
type Decision struct {
	Next Mode
	// Deliver ends the turn and hands the delivered output to the user.
	Deliver bool
	// Retract drops the last EXECUTE segment so it is regenerated after reflection.
	Retract bool
}

// Transition is the mode state machine. It is evaluated after the workspace
// was revised at a checkpoint.
func Transition(cur Mode, s Signals) Decision {
	if cur == Question {
		if s.Finished {
			return Decision{Next: Interpret, Deliver: true}
		}
		return Decision{Next: Question}
	}
	if s.Confidence == workspace.ConfidenceLow && !s.ClarificationAsked {
		return Decision{Next: Question}
	}
	if !s.PlanCommitted {
		return Decision{Next: Plan}
	}
	if s.Contradiction && s.ReflectionsLeft {
		return Decision{Next: Reflect, Retract: cur == Execute}
	}
	if cur == Execute && s.Finished {
		return Decision{Next: Interpret, Deliver: true}
	}
	return Decision{Next: Execute}
}
