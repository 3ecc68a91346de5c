package chat

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind describes the behavioral type of a chat thread.
type Kind string

const (
	// KindContact is a one-on-one conversation with a story character.
	KindContact Kind = "contact"
	// KindGroup is a multi-participant thread.
	KindGroup Kind = "group"
	// KindBot is an automated service thread (no presence, no receipts).
	KindBot Kind = "bot"
)

// ErrUnknownChat indicates a chat id absent from the registry.
var ErrUnknownChat = errors.New("unknown chat id")

// Entry describes one chat thread known to the story.
type Entry struct {
	ID string `yaml:"id"`
	// Knot is the story knot the cursor is positioned at when the chat
	// opens for the first time.
	Knot string `yaml:"knot"`
	// NameKey is the locale catalog key for the display name.
	NameKey string `yaml:"name_key"`
	// Presence is the default presence shown before any status message.
	Presence string `yaml:"presence"`
	Kind     Kind   `yaml:"kind"`
}

// Registry is the startup chat configuration: every chat the story may
// address, keyed by id. It supplies the known-id set used to validate
// cross-chat target tags defensively.
type Registry struct {
	entries map[string]Entry
	order   []string
}

type registryFile struct {
	Chats []Entry `yaml:"chats"`
}

// LoadRegistry reads and parses a registry YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses registry YAML and validates its entries.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(file.Chats) == 0 {
		return nil, fmt.Errorf("registry defines no chats")
	}

	registry := &Registry{entries: make(map[string]Entry, len(file.Chats))}
	for i, entry := range file.Chats {
		entry.ID = strings.TrimSpace(entry.ID)
		if entry.ID == "" {
			return nil, fmt.Errorf("registry chat %d: id is required", i)
		}
		if _, exists := registry.entries[entry.ID]; exists {
			return nil, fmt.Errorf("registry chat %q: duplicate id", entry.ID)
		}
		entry.Knot = strings.TrimSpace(entry.Knot)
		if entry.Knot == "" {
			return nil, fmt.Errorf("registry chat %q: knot is required", entry.ID)
		}
		switch entry.Kind {
		case KindContact, KindGroup, KindBot:
		case "":
			entry.Kind = KindContact
		default:
			return nil, fmt.Errorf("registry chat %q: unknown kind %q", entry.ID, entry.Kind)
		}
		registry.entries[entry.ID] = entry
		registry.order = append(registry.order, entry.ID)
	}
	return registry, nil
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Entry, error) {
	if r == nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownChat, id)
	}
	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownChat, id)
	}
	return entry, nil
}

// Has reports whether id is a known chat.
func (r *Registry) Has(id string) bool {
	if r == nil {
		return false
	}
	_, ok := r.entries[id]
	return ok
}

// IDs returns all chat ids in declaration order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// SortedIDs returns all chat ids sorted lexically, for stable iteration in
// snapshots and diagnostics.
func (r *Registry) SortedIDs() []string {
	ids := r.IDs()
	sort.Strings(ids)
	return ids
}
