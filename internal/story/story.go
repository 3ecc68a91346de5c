// Package story implements the narrative engine: branching content
// authored as a Lua script, walked by a resumable pull cursor. The rest
// of the system consumes the engine through the cursor's continue/choose
// interface and treats its resume state as opaque.
package story

import (
	"fmt"
	"strings"
)

// StepKind discriminates the step variants inside a knot.
type StepKind string

const (
	// StepLine yields one content unit (text plus tags).
	StepLine StepKind = "line"
	// StepSet assigns the result of a Lua expression to a variable.
	StepSet StepKind = "set"
	// StepCall invokes a bound hook, optionally storing its result.
	StepCall StepKind = "call"
	// StepFetch issues an asynchronous external-data request.
	StepFetch StepKind = "fetch"
	// StepChoice offers one selectable reply; consecutive choice steps
	// form a single offer.
	StepChoice StepKind = "choice"
	// StepDivert jumps to another knot.
	StepDivert StepKind = "divert"
	// StepDone ends the story.
	StepDone StepKind = "done"
)

// Step is one authored instruction inside a knot.
type Step struct {
	Kind StepKind
	// When is an optional Lua guard expression; a falsy result skips the
	// step.
	When string
	// Text is the line content or choice label.
	Text string
	// Tags carry delivery directives (delay, to:, seed, status:, ...).
	Tags []string
	// Var names the assignment target for set, or the destination
	// variable for call results and fetched data.
	Var string
	// Expr is the Lua expression evaluated for set steps.
	Expr string
	// Hook names the bound hook for call steps.
	Hook string
	// Args are literal hook arguments captured at load time.
	Args []any
	// Key is the external-data key for fetch steps.
	Key string
	// Target is the destination knot for divert and choice steps.
	Target string
}

// Knot is a named, ordered list of steps.
type Knot struct {
	Name  string
	Steps []Step
}

// Story is the immutable content graph produced by the Lua loader.
type Story struct {
	Name  string
	knots map[string]*Knot
	order []string
}

// NewStory creates an empty story. The loader populates it; tests may use
// it to build fixtures directly.
func NewStory(name string) *Story {
	return &Story{Name: name, knots: map[string]*Knot{}}
}

// AddKnot registers a new knot and returns it for step appends.
func (s *Story) AddKnot(name string) (*Knot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("knot name is required")
	}
	if _, exists := s.knots[name]; exists {
		return nil, fmt.Errorf("knot %q already defined", name)
	}
	knot := &Knot{Name: name}
	s.knots[name] = knot
	s.order = append(s.order, name)
	return knot, nil
}

// Knot returns the named knot.
func (s *Story) Knot(name string) (*Knot, bool) {
	knot, ok := s.knots[name]
	return knot, ok
}

// Knots returns knot names in declaration order.
func (s *Story) Knots() []string {
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Validate checks that every divert and choice target resolves to a
// defined knot. Unknown targets are a load-time authoring error; runtime
// target misses are handled by skipping, not failing.
func (s *Story) Validate() error {
	for _, name := range s.order {
		for i, step := range s.knots[name].Steps {
			switch step.Kind {
			case StepDivert, StepChoice:
				if _, ok := s.knots[step.Target]; !ok {
					return fmt.Errorf("knot %q step %d: unknown target %q", name, i, step.Target)
				}
			}
		}
	}
	return nil
}
