package story

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/Shopify/go-lua"
)

// DataNotFound is the explicit value stored for a failed external-data
// request, so a fetch error never leaves the cursor blocked.
const DataNotFound = "not_found"

// Hook is a Go function callable from story scripts through call steps.
type Hook func(args []any) (any, error)

// Chunk is one content unit produced by a single continue step.
type Chunk struct {
	Text string
	Tags []string
	Knot string
}

// Choice is one selectable reply in a pending offer.
type Choice struct {
	Index  int    `json:"index"`
	Label  string `json:"label"`
	Target string `json:"target"`
}

// Cursor is the pull cursor over a story: it walks knot steps, evaluates
// guards and assignments in an embedded Lua VM, and suspends on choice
// offers and external-data requests. A cursor is not safe for concurrent
// use; the whole system is single-threaded by design.
type Cursor struct {
	story *Story
	vm    *lua.State
	hooks map[string]Hook
	logf  func(format string, args ...any)

	knot    string
	step    int
	vars    map[string]any
	pending []Choice
	done    bool

	awaiting  bool
	requestID int
	fetchKey  string
	fetchVar  string
}

// NewCursor creates an unpositioned cursor over story. Call MoveTo before
// the first Continue.
func NewCursor(s *Story) *Cursor {
	vm := lua.NewState()
	lua.OpenLibraries(vm)
	return &Cursor{
		story: s,
		vm:    vm,
		hooks: map[string]Hook{},
		logf:  log.Printf,
		vars:  map[string]any{},
	}
}

// BindHook registers a hook callable from call steps. Later bindings
// replace earlier ones.
func (c *Cursor) BindHook(name string, hook Hook) {
	c.hooks[name] = hook
}

// SetLogf overrides the diagnostic logger, mainly for tests.
func (c *Cursor) SetLogf(logf func(format string, args ...any)) {
	if logf != nil {
		c.logf = logf
	}
}

// CanContinue reports whether a continue step may produce more content:
// the story is not done, no data request is outstanding, no choice offer
// is pending, and steps remain at the current position.
func (c *Cursor) CanContinue() bool {
	if c.done || c.awaiting || len(c.pending) > 0 {
		return false
	}
	knot, ok := c.story.Knot(c.knot)
	if !ok {
		return false
	}
	return c.step < len(knot.Steps)
}

// maxSilentSteps bounds how many steps one Continue may execute without
// yielding content, so a divert cycle surfaces as an error instead of a
// hang.
const maxSilentSteps = 512

// Continue advances the cursor until it yields a content unit or suspends.
// The boolean is false when the cursor halted without producing content
// (end of branch, pending choices, awaiting data, or story done).
func (c *Cursor) Continue() (Chunk, bool, error) {
	silent := 0
	for c.CanContinue() {
		silent++
		if silent > maxSilentSteps {
			return Chunk{}, false, fmt.Errorf("no content after %d steps at %s", maxSilentSteps, c.Position())
		}
		knot, _ := c.story.Knot(c.knot)
		step := knot.Steps[c.step]

		if step.When != "" && step.Kind != StepChoice {
			pass, err := c.evalGuard(step.When)
			if err != nil {
				c.logf("story: guard %q at %s: %v", step.When, c.Position(), err)
			}
			if !pass {
				c.step++
				continue
			}
		}

		switch step.Kind {
		case StepLine:
			c.step++
			return Chunk{Text: c.expand(step.Text), Tags: step.Tags, Knot: knot.Name}, true, nil
		case StepSet:
			value, err := c.eval(step.Expr)
			if err != nil {
				c.logf("story: set %q at %s: %v", step.Var, c.Position(), err)
			} else {
				c.vars[step.Var] = value
			}
			c.step++
		case StepCall:
			c.invokeHook(step)
			c.step++
		case StepFetch:
			c.requestID++
			c.awaiting = true
			c.fetchKey = step.Key
			c.fetchVar = step.Var
			c.step++
			return Chunk{}, false, nil
		case StepChoice:
			c.collectChoices(knot)
			if len(c.pending) > 0 {
				return Chunk{}, false, nil
			}
		case StepDivert:
			if _, ok := c.story.Knot(step.Target); !ok {
				c.logf("story: unknown divert target %q at %s, skipping", step.Target, c.Position())
				c.step++
				continue
			}
			c.knot = step.Target
			c.step = 0
		case StepDone:
			c.done = true
		default:
			c.logf("story: unknown step kind %q at %s, skipping", step.Kind, c.Position())
			c.step++
		}
	}
	return Chunk{}, false, nil
}

// collectChoices gathers the run of consecutive choice steps at the
// current position, dropping entries whose guards fail.
func (c *Cursor) collectChoices(knot *Knot) {
	var offer []Choice
	for c.step < len(knot.Steps) && knot.Steps[c.step].Kind == StepChoice {
		step := knot.Steps[c.step]
		c.step++
		if step.When != "" {
			pass, err := c.evalGuard(step.When)
			if err != nil {
				c.logf("story: choice guard %q at %s: %v", step.When, c.Position(), err)
			}
			if !pass {
				continue
			}
		}
		offer = append(offer, Choice{Index: len(offer), Label: c.expand(step.Text), Target: step.Target})
	}
	c.pending = offer
}

// Choices returns the pending offer, empty when the cursor is not waiting
// for input.
func (c *Cursor) Choices() []Choice {
	out := make([]Choice, len(c.pending))
	copy(out, c.pending)
	return out
}

// Choose selects a pending choice by index and repositions the cursor at
// its target knot.
func (c *Cursor) Choose(index int) (Choice, error) {
	if index < 0 || index >= len(c.pending) {
		return Choice{}, fmt.Errorf("choice index %d out of range (%d pending)", index, len(c.pending))
	}
	chosen := c.pending[index]
	if _, ok := c.story.Knot(chosen.Target); !ok {
		return Choice{}, fmt.Errorf("choice target %q is not a knot", chosen.Target)
	}
	c.pending = nil
	c.knot = chosen.Target
	c.step = 0
	return chosen, nil
}

// MoveTo repositions the cursor at the start of a knot, abandoning any
// pending offer or outstanding data request. A response to an abandoned
// request is later discarded by its stale id.
func (c *Cursor) MoveTo(knot string) error {
	if _, ok := c.story.Knot(knot); !ok {
		return fmt.Errorf("unknown knot %q", knot)
	}
	c.knot = knot
	c.step = 0
	c.pending = nil
	c.awaiting = false
	c.done = false
	return nil
}

// CurrentKnot returns the knot the cursor is positioned in.
func (c *Cursor) CurrentKnot() string { return c.knot }

// Done reports whether the story has ended.
func (c *Cursor) Done() bool { return c.done }

// Position identifies the exact cursor position for stall detection.
func (c *Cursor) Position() string {
	return fmt.Sprintf("%s#%d", c.knot, c.step)
}

// AwaitingData reports whether an external-data request is outstanding.
// Drain loops must halt while this is set; ProvideData resumes them.
func (c *Cursor) AwaitingData() bool { return c.awaiting }

// OutstandingRequest returns the id and key of the outstanding data
// request, if any.
func (c *Cursor) OutstandingRequest() (id int, key string, ok bool) {
	if !c.awaiting {
		return 0, "", false
	}
	return c.requestID, c.fetchKey, true
}

// ProvideData completes the outstanding data request. A response whose id
// does not match the single outstanding request is discarded, defending
// against stale responses after navigation started a new request. The
// return value reports whether the response was accepted.
func (c *Cursor) ProvideData(requestID int, value string) bool {
	if !c.awaiting || requestID != c.requestID {
		return false
	}
	c.vars[c.fetchVar] = value
	c.awaiting = false
	return true
}

// FailData completes the outstanding request with the explicit not-found
// marker so draining always resumes.
func (c *Cursor) FailData(requestID int) bool {
	return c.ProvideData(requestID, DataNotFound)
}

// VarValue returns the raw, loosely-typed value of a story variable. All
// typed access belongs in the bridge.
func (c *Cursor) VarValue(name string) (any, bool) {
	value, ok := c.vars[name]
	return value, ok
}

// SetVar writes a raw variable value. All typed access belongs in the
// bridge.
func (c *Cursor) SetVar(name string, value any) {
	c.vars[name] = value
}

type resumeState struct {
	Version   int            `json:"version"`
	Knot      string         `json:"knot"`
	Step      int            `json:"step"`
	Done      bool           `json:"done"`
	Awaiting  bool           `json:"awaiting"`
	RequestID int            `json:"request_id"`
	FetchKey  string         `json:"fetch_key,omitempty"`
	FetchVar  string         `json:"fetch_var,omitempty"`
	Vars      map[string]any `json:"vars"`
	Pending   []Choice       `json:"pending,omitempty"`
}

const resumeStateVersion = 1

// State serializes the cursor's resume state. The result is opaque to
// callers other than Restore.
func (c *Cursor) State() ([]byte, error) {
	state := resumeState{
		Version:   resumeStateVersion,
		Knot:      c.knot,
		Step:      c.step,
		Done:      c.done,
		Awaiting:  c.awaiting,
		RequestID: c.requestID,
		FetchKey:  c.fetchKey,
		FetchVar:  c.fetchVar,
		Vars:      c.vars,
		Pending:   c.pending,
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal resume state: %w", err)
	}
	return encoded, nil
}

// Restore repositions the cursor from a serialized resume state. A blank
// blob leaves the cursor unpositioned, matching a fresh session.
func (c *Cursor) Restore(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	var state resumeState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("unmarshal resume state: %w", err)
	}
	if state.Knot != "" {
		if _, ok := c.story.Knot(state.Knot); !ok {
			return fmt.Errorf("resume state references unknown knot %q", state.Knot)
		}
	}
	c.knot = state.Knot
	c.step = state.Step
	c.done = state.Done
	c.awaiting = state.Awaiting
	c.requestID = state.RequestID
	c.fetchKey = state.FetchKey
	c.fetchVar = state.FetchVar
	c.vars = state.Vars
	if c.vars == nil {
		c.vars = map[string]any{}
	}
	c.pending = state.Pending
	return nil
}

func (c *Cursor) invokeHook(step Step) {
	hook, ok := c.hooks[step.Hook]
	if !ok {
		c.logf("story: unbound hook %q at %s, skipping", step.Hook, c.Position())
		return
	}
	result, err := hook(step.Args)
	if err != nil {
		c.logf("story: hook %q at %s: %v", step.Hook, c.Position(), err)
		return
	}
	if step.Var != "" && result != nil {
		c.vars[step.Var] = result
	}
}

// eval runs a Lua expression against the variable table. Variables are
// mirrored into VM globals before evaluation; only set steps write back.
func (c *Cursor) eval(expr string) (any, error) {
	for name, value := range c.vars {
		c.pushValue(value)
		c.vm.SetGlobal(name)
	}
	if err := lua.DoString(c.vm, "return ("+expr+")"); err != nil {
		return nil, fmt.Errorf("eval %q: %w", expr, err)
	}
	defer c.vm.Pop(1)
	return luaToGo(c.vm, -1), nil
}

// evalGuard applies Lua truthiness: nil and false fail, everything else
// passes. Errors fail the guard so a bad expression skips its step
// instead of aborting the drain.
func (c *Cursor) evalGuard(expr string) (bool, error) {
	value, err := c.eval(expr)
	if err != nil {
		return false, err
	}
	if value == nil {
		return false, nil
	}
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return true, nil
}

func (c *Cursor) pushValue(value any) {
	switch v := value.(type) {
	case nil:
		c.vm.PushNil()
	case bool:
		c.vm.PushBoolean(v)
	case string:
		c.vm.PushString(v)
	case float64:
		c.vm.PushNumber(v)
	case int:
		c.vm.PushNumber(float64(v))
	case int64:
		c.vm.PushNumber(float64(v))
	default:
		// Unrepresentable values read as nil in expressions.
		c.vm.PushNil()
	}
}

// expand substitutes ${name} references in line text with variable
// values. Unknown names are left verbatim so authoring mistakes stay
// visible in playtests.
func (c *Cursor) expand(text string) string {
	if !strings.Contains(text, "${") {
		return text
	}
	var b strings.Builder
	for {
		start := strings.Index(text, "${")
		if start < 0 {
			b.WriteString(text)
			break
		}
		end := strings.Index(text[start:], "}")
		if end < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:start])
		name := text[start+2 : start+end]
		if value, ok := c.vars[name]; ok {
			b.WriteString(formatVar(value))
		} else {
			b.WriteString(text[start : start+end+1])
		}
		text = text[start+end+1:]
	}
	return b.String()
}

func formatVar(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
