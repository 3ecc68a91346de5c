package story

import (
	"path/filepath"
	"testing"
)

func TestAddKnotRejectsDuplicates(t *testing.T) {
	s := NewStory("test")
	if _, err := s.AddKnot("a"); err != nil {
		t.Fatalf("add knot: %v", err)
	}
	if _, err := s.AddKnot("a"); err == nil {
		t.Fatal("expected duplicate knot error")
	}
}

func TestAddKnotRejectsBlankName(t *testing.T) {
	s := NewStory("test")
	if _, err := s.AddKnot("  "); err == nil {
		t.Fatal("expected blank name error")
	}
}

func TestValidateCatchesUnknownTargets(t *testing.T) {
	s := NewStory("test")
	knot, err := s.AddKnot("start")
	if err != nil {
		t.Fatalf("add knot: %v", err)
	}
	knot.Steps = append(knot.Steps, Step{Kind: StepDivert, Target: "nowhere"})
	if err := s.Validate(); err == nil {
		t.Fatal("expected unknown target error")
	}
}

func TestLoadBuildsStory(t *testing.T) {
	s, err := Load(filepath.Join("testdata", "lakeside.lua"))
	if err != nil {
		t.Fatalf("load story: %v", err)
	}
	if s.Name != "lakeside" {
		t.Fatalf("expected name lakeside, got %q", s.Name)
	}

	knots := s.Knots()
	if len(knots) != 5 {
		t.Fatalf("expected 5 knots, got %d (%v)", len(knots), knots)
	}
	if knots[0] != "alex_intro" {
		t.Fatalf("expected declaration order, got %v", knots)
	}

	intro, ok := s.Knot("alex_intro")
	if !ok {
		t.Fatal("missing alex_intro")
	}
	if len(intro.Steps) != 6 {
		t.Fatalf("expected 6 intro steps, got %d", len(intro.Steps))
	}
	if intro.Steps[0].Kind != StepSet || intro.Steps[0].Var != "trust" {
		t.Fatalf("expected set step first, got %+v", intro.Steps[0])
	}
	if intro.Steps[1].Kind != StepLine || len(intro.Steps[1].Tags) != 1 || intro.Steps[1].Tags[0] != "delay" {
		t.Fatalf("unexpected line step %+v", intro.Steps[1])
	}
	if intro.Steps[2].Kind != StepCall || intro.Steps[2].Hook != "sound" {
		t.Fatalf("unexpected call step %+v", intro.Steps[2])
	}
	if len(intro.Steps[2].Args) != 1 || intro.Steps[2].Args[0] != "ping" {
		t.Fatalf("unexpected call args %+v", intro.Steps[2].Args)
	}
	if intro.Steps[4].Kind != StepChoice || intro.Steps[4].Target != "alex_trusting" {
		t.Fatalf("unexpected choice step %+v", intro.Steps[4])
	}

	profile, ok := s.Knot("alex_profile")
	if !ok {
		t.Fatal("missing alex_profile")
	}
	if profile.Steps[0].Kind != StepFetch || profile.Steps[0].Key != "profile/alex" || profile.Steps[0].Var != "alex_profile" {
		t.Fatalf("unexpected fetch step %+v", profile.Steps[0])
	}
	if profile.Steps[2].Kind != StepDone {
		t.Fatalf("expected done step, got %+v", profile.Steps[2])
	}
}

func TestLoadRejectsUnknownTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.lua")
	script := `
local s = Story.new("bad")
local k = s:knot("start")
k:choice("go", "missing")
return s
`
	if err := writeFile(path, script); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadRejectsNonStoryReturn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.lua")
	if err := writeFile(path, "return 42\n"); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected script return error")
	}
}
