package chat

import (
	"errors"
	"strings"
	"testing"
)

const registryYAML = `
chats:
  - id: alex
    knot: alex_intro
    name_key: names.alex
    presence: online
    kind: contact
  - id: family
    knot: family_intro
    name_key: names.family
    kind: group
  - id: bankbot
    knot: bankbot_intro
    name_key: names.bankbot
    kind: bot
`

func TestParseRegistry(t *testing.T) {
	registry, err := ParseRegistry([]byte(registryYAML))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}

	entry, err := registry.Lookup("alex")
	if err != nil {
		t.Fatalf("lookup alex: %v", err)
	}
	if entry.Knot != "alex_intro" {
		t.Fatalf("expected knot alex_intro, got %q", entry.Knot)
	}
	if entry.Presence != "online" {
		t.Fatalf("expected presence online, got %q", entry.Presence)
	}
	if got := registry.IDs(); len(got) != 3 || got[0] != "alex" {
		t.Fatalf("expected declaration order starting with alex, got %v", got)
	}
	if !registry.Has("bankbot") {
		t.Fatal("expected bankbot to be known")
	}
	if registry.Has("stranger") {
		t.Fatal("expected stranger to be unknown")
	}
}

func TestParseRegistryDefaultsKind(t *testing.T) {
	registry, err := ParseRegistry([]byte("chats:\n  - id: a\n    knot: a_intro\n"))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	entry, err := registry.Lookup("a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.Kind != KindContact {
		t.Fatalf("expected contact default, got %q", entry.Kind)
	}
}

func TestParseRegistryRejectsDuplicates(t *testing.T) {
	_, err := ParseRegistry([]byte("chats:\n  - id: a\n    knot: x\n  - id: a\n    knot: y\n"))
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestParseRegistryRejectsMissingKnot(t *testing.T) {
	_, err := ParseRegistry([]byte("chats:\n  - id: a\n"))
	if err == nil || !strings.Contains(err.Error(), "knot is required") {
		t.Fatalf("expected knot error, got %v", err)
	}
}

func TestLookupUnknownChat(t *testing.T) {
	registry, err := ParseRegistry([]byte("chats:\n  - id: a\n    knot: x\n"))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	_, err = registry.Lookup("b")
	if !errors.Is(err, ErrUnknownChat) {
		t.Fatalf("expected ErrUnknownChat, got %v", err)
	}
}
