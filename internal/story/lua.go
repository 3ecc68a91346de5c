package story

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Shopify/go-lua"
)

const (
	storyTypeName = "story"
	knotTypeName  = "knot"
)

// knotHandle wraps a knot for Lua userdata so methods can append steps.
type knotHandle struct {
	knot *Knot
}

// Load reads a story script from path. The script builds the content
// graph through the Story/knot DSL and must return the story value.
func Load(path string) (*Story, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)

	registerStoryTypes(state)

	if err := lua.LoadFile(state, path, ""); err != nil {
		return nil, fmt.Errorf("load story script: %w", err)
	}
	if err := state.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("run story script: %w", err)
	}

	if state.TypeOf(-1) != lua.TypeUserData {
		state.Pop(1)
		return nil, fmt.Errorf("story script must return a Story")
	}
	ud := state.ToUserData(-1)
	state.Pop(1)
	story, ok := ud.(*Story)
	if !ok || story == nil {
		return nil, fmt.Errorf("story script returned an invalid Story")
	}
	if strings.TrimSpace(story.Name) == "" {
		story.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := story.Validate(); err != nil {
		return nil, fmt.Errorf("validate story: %w", err)
	}
	return story, nil
}

func registerStoryTypes(state *lua.State) {
	registerStoryType(state)
	registerKnotType(state)
	registerStoryConstructor(state)
}

func registerStoryType(state *lua.State) {
	lua.NewMetaTable(state, storyTypeName)
	state.NewTable()
	lua.SetFunctions(state, storyMethods, 0)
	state.SetField(-2, "__index")
	state.Pop(1)
}

func registerKnotType(state *lua.State) {
	lua.NewMetaTable(state, knotTypeName)
	state.NewTable()
	lua.SetFunctions(state, knotMethods, 0)
	state.SetField(-2, "__index")
	state.Pop(1)
}

func registerStoryConstructor(state *lua.State) {
	state.NewTable()
	lua.SetFunctions(state, storyConstructor, 0)
	state.SetGlobal("Story")
}

var storyConstructor = []lua.RegistryFunction{
	{Name: "new", Function: storyNew},
}

func storyNew(state *lua.State) int {
	name := lua.OptString(state, 1, "")
	story := NewStory(name)
	state.PushUserData(story)
	lua.SetMetaTableNamed(state, storyTypeName)
	return 1
}

var storyMethods = []lua.RegistryFunction{
	{Name: "knot", Function: storyKnot},
}

func storyKnot(state *lua.State) int {
	story := checkStory(state)
	name := lua.CheckString(state, 2)
	knot, err := story.AddKnot(name)
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
		return 0
	}
	state.PushUserData(&knotHandle{knot: knot})
	lua.SetMetaTableNamed(state, knotTypeName)
	return 1
}

var knotMethods = []lua.RegistryFunction{
	{Name: "line", Function: knotLine},
	{Name: "set", Function: knotSet},
	{Name: "call", Function: knotCall},
	{Name: "fetch", Function: knotFetch},
	{Name: "choice", Function: knotChoice},
	{Name: "divert", Function: knotDivert},
	{Name: "done", Function: knotDone},
}

func knotLine(state *lua.State) int {
	handle := checkKnot(state)
	text := lua.CheckString(state, 2)
	opts := optionalTable(state, 3)
	handle.knot.Steps = append(handle.knot.Steps, Step{
		Kind: StepLine,
		Text: text,
		Tags: stringSlice(opts["tags"]),
		When: stringOpt(opts["when"]),
	})
	return 0
}

func knotSet(state *lua.State) int {
	handle := checkKnot(state)
	name := lua.CheckString(state, 2)
	expr := lua.CheckString(state, 3)
	opts := optionalTable(state, 4)
	handle.knot.Steps = append(handle.knot.Steps, Step{
		Kind: StepSet,
		Var:  name,
		Expr: expr,
		When: stringOpt(opts["when"]),
	})
	return 0
}

func knotCall(state *lua.State) int {
	handle := checkKnot(state)
	hook := lua.CheckString(state, 2)
	opts := optionalTable(state, 3)
	handle.knot.Steps = append(handle.knot.Steps, Step{
		Kind: StepCall,
		Hook: hook,
		Args: anySlice(opts["args"]),
		Var:  stringOpt(opts["into"]),
		When: stringOpt(opts["when"]),
	})
	return 0
}

func knotFetch(state *lua.State) int {
	handle := checkKnot(state)
	key := lua.CheckString(state, 2)
	into := lua.CheckString(state, 3)
	opts := optionalTable(state, 4)
	handle.knot.Steps = append(handle.knot.Steps, Step{
		Kind: StepFetch,
		Key:  key,
		Var:  into,
		When: stringOpt(opts["when"]),
	})
	return 0
}

func knotChoice(state *lua.State) int {
	handle := checkKnot(state)
	label := lua.CheckString(state, 2)
	target := lua.CheckString(state, 3)
	opts := optionalTable(state, 4)
	handle.knot.Steps = append(handle.knot.Steps, Step{
		Kind:   StepChoice,
		Text:   label,
		Target: target,
		When:   stringOpt(opts["when"]),
	})
	return 0
}

func knotDivert(state *lua.State) int {
	handle := checkKnot(state)
	target := lua.CheckString(state, 2)
	opts := optionalTable(state, 3)
	handle.knot.Steps = append(handle.knot.Steps, Step{
		Kind:   StepDivert,
		Target: target,
		When:   stringOpt(opts["when"]),
	})
	return 0
}

func knotDone(state *lua.State) int {
	handle := checkKnot(state)
	handle.knot.Steps = append(handle.knot.Steps, Step{Kind: StepDone})
	return 0
}

func checkStory(state *lua.State) *Story {
	ud := lua.CheckUserData(state, 1, storyTypeName)
	if story, ok := ud.(*Story); ok && story != nil {
		return story
	}
	lua.ArgumentError(state, 1, "story expected")
	return nil
}

func checkKnot(state *lua.State) *knotHandle {
	ud := lua.CheckUserData(state, 1, knotTypeName)
	if handle, ok := ud.(*knotHandle); ok && handle != nil && handle.knot != nil {
		return handle
	}
	lua.ArgumentError(state, 1, "knot expected")
	return nil
}

func optionalTable(state *lua.State, index int) map[string]any {
	if state.IsNoneOrNil(index) || state.TypeOf(index) != lua.TypeTable {
		return map[string]any{}
	}
	return tableToMap(state, index)
}

func tableToMap(state *lua.State, index int) map[string]any {
	output := map[string]any{}
	if state.TypeOf(index) != lua.TypeTable {
		return output
	}

	index = state.AbsIndex(index)
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			output[key] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return output
}

func luaToGo(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return value
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToSlice(state, index)
	default:
		return nil
	}
}

// tableToSlice converts a Lua array table to a Go slice. Non-array tables
// in option values have no meaning in the DSL and convert to nil.
func tableToSlice(state *lua.State, index int) any {
	index = state.AbsIndex(index)
	var items []any
	for i := 1; ; i++ {
		state.PushInteger(i)
		state.RawGet(index)
		if state.TypeOf(-1) == lua.TypeNil {
			state.Pop(1)
			break
		}
		items = append(items, luaToGo(state, -1))
		state.Pop(1)
	}
	return items
}

func stringOpt(value any) string {
	text, _ := value.(string)
	return text
}

func stringSlice(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if text, ok := item.(string); ok {
			out = append(out, text)
		}
	}
	return out
}

func anySlice(value any) []any {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	return items
}
