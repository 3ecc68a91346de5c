// Package bridge is the single seam between the narrative engine's
// loosely-typed variable table and the rest of the system. Every read
// and write of story variables goes through its typed accessors, and it
// binds the hooks story content can invoke: localized name lookup, delay
// capture, sound cues, and the asynchronous external-data protocol.
package bridge

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/louisbranch/pocketline/internal/platform/i18n/catalog"
	"github.com/louisbranch/pocketline/internal/story"
)

// DataProvider answers external-data requests issued by fetch steps. It
// is the abstracted async lookup; implementations may hit disk, memory,
// or anything else.
type DataProvider interface {
	Fetch(ctx context.Context, key string) (string, error)
}

// Options configures a Bridge.
type Options struct {
	// Names resolves localized display names for the name hook. Nil
	// degrades to key passthrough.
	Names *catalog.Bundle
	// Locale selects the catalog locale for name lookups.
	Locale string
	// Sound receives fire-and-forget cue names. Nil drops cues.
	Sound func(cue string)
	// Provider answers fetch steps. Nil fails every request.
	Provider DataProvider
	// Logf overrides the diagnostic logger.
	Logf func(format string, args ...any)
}

// Bridge wraps a cursor with typed variable access and bound hooks.
type Bridge struct {
	cursor   *story.Cursor
	names    *catalog.Bundle
	locale   string
	sound    func(cue string)
	provider DataProvider
	logf     func(format string, args ...any)

	capturedDelay time.Duration
}

// New creates a bridge over cursor and binds the story hooks.
func New(cursor *story.Cursor, opts Options) *Bridge {
	b := &Bridge{
		cursor:   cursor,
		names:    opts.Names,
		locale:   opts.Locale,
		sound:    opts.Sound,
		provider: opts.Provider,
		logf:     opts.Logf,
	}
	if b.logf == nil {
		b.logf = log.Printf
	}
	b.bindHooks()
	return b
}

func (b *Bridge) bindHooks() {
	b.cursor.BindHook("name", func(args []any) (any, error) {
		key, ok := firstString(args)
		if !ok {
			return nil, fmt.Errorf("name hook requires a key argument")
		}
		if b.names == nil {
			return key, nil
		}
		return b.names.Name(b.locale, key), nil
	})
	b.cursor.BindHook("delay", func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("delay hook requires a millisecond argument")
		}
		ms, ok := asNumber(args[0])
		if !ok || ms < 0 {
			return nil, fmt.Errorf("delay hook argument %v is not a duration", args[0])
		}
		b.capturedDelay = time.Duration(ms) * time.Millisecond
		return nil, nil
	})
	b.cursor.BindHook("sound", func(args []any) (any, error) {
		cue, ok := firstString(args)
		if !ok {
			return nil, fmt.Errorf("sound hook requires a cue argument")
		}
		if b.sound != nil {
			b.sound(cue)
		}
		return nil, nil
	})
}

// TakeDelay returns the delay stashed by the most recent delay hook and
// clears it. The coordinator reads it once per content unit.
func (b *Bridge) TakeDelay() time.Duration {
	captured := b.capturedDelay
	b.capturedDelay = 0
	return captured
}

// AwaitingData reports whether the engine is suspended on a fetch.
func (b *Bridge) AwaitingData() bool {
	return b.cursor.AwaitingData()
}

// OutstandingRequest returns the id and key of the suspended fetch.
func (b *Bridge) OutstandingRequest() (id int, key string, ok bool) {
	return b.cursor.OutstandingRequest()
}

// CompleteFetch routes an asynchronous fetch result into the engine. A
// failed result stores the explicit not-found marker so draining always
// resumes; a response with a stale id is discarded. The return value
// reports whether the response was accepted.
func (b *Bridge) CompleteFetch(requestID int, value string, err error) bool {
	if err != nil {
		b.logf("bridge: fetch request %d failed: %v", requestID, err)
		return b.cursor.FailData(requestID)
	}
	return b.cursor.ProvideData(requestID, value)
}

// ResolveOutstanding answers the suspended fetch synchronously through
// the provider. It reports whether a request was resolved.
func (b *Bridge) ResolveOutstanding(ctx context.Context) bool {
	requestID, key, ok := b.cursor.OutstandingRequest()
	if !ok {
		return false
	}
	if b.provider == nil {
		return b.CompleteFetch(requestID, "", fmt.Errorf("no data provider configured"))
	}
	value, err := b.provider.Fetch(ctx, key)
	return b.CompleteFetch(requestID, value, err)
}

// GetString reads a story variable as a string, coercing numbers and
// booleans. Mismatches are logged and fall back.
func (b *Bridge) GetString(name, fallback string) string {
	value, ok := b.cursor.VarValue(name)
	if !ok {
		return fallback
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		b.logf("bridge: variable %q is %T, not string; using fallback", name, value)
		return fallback
	}
}

// GetNumber reads a story variable as a number, coercing numeric strings.
// Mismatches are logged and fall back.
func (b *Bridge) GetNumber(name string, fallback float64) float64 {
	value, ok := b.cursor.VarValue(name)
	if !ok {
		return fallback
	}
	if number, ok := asNumber(value); ok {
		return number
	}
	b.logf("bridge: variable %q is %T, not number; using fallback", name, value)
	return fallback
}

// GetBool reads a story variable as a boolean. The engine commonly
// represents booleans as 0/1 numbers; both forms coerce, as do "true"
// and "false" strings. Mismatches are logged and fall back.
func (b *Bridge) GetBool(name string, fallback bool) bool {
	value, ok := b.cursor.VarValue(name)
	if !ok {
		return fallback
	}
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			return parsed
		}
	}
	b.logf("bridge: variable %q is %T (%v), not bool; using fallback", name, value, value)
	return fallback
}

// SetString writes a string variable.
func (b *Bridge) SetString(name, value string) {
	b.cursor.SetVar(name, value)
}

// SetNumber writes a numeric variable.
func (b *Bridge) SetNumber(name string, value float64) {
	b.cursor.SetVar(name, value)
}

// SetBool writes a boolean variable in the engine's 0/1 representation.
func (b *Bridge) SetBool(name string, value bool) {
	if value {
		b.cursor.SetVar(name, float64(1))
		return
	}
	b.cursor.SetVar(name, float64(0))
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	text, ok := args[0].(string)
	return text, ok
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
