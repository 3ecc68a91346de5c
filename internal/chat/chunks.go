package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Tag vocabulary attached to engine content units. Tags are plain strings;
// value-carrying tags use a "name:value" form.
const (
	// TagDelay requests buffered delivery. Bare "delay" derives a
	// length-proportional duration; "delay:1200" overrides it in
	// milliseconds.
	TagDelay = "delay"
	// TagTo targets a chat other than the one being processed.
	TagTo = "to"
	// TagSeed marks backstory injected at session start.
	TagSeed = "seed"
	// TagSent marks a player-authored line.
	TagSent = "sent"
	// TagSystem marks an inline system line.
	TagSystem = "system"
	// TagLabel names a line so scripts can address its receipt later.
	TagLabel = "label"
	// TagStatus carries a presence change as a status-only record.
	TagStatus = "status"
)

const (
	// delayPerRune is the length-proportional typing pace.
	delayPerRune = 45 * time.Millisecond
	// minDelay floors derived delays so short lines still read as typed.
	minDelay = 600 * time.Millisecond
	// MaxDelay caps every buffered delivery, author overrides included.
	MaxDelay = 8 * time.Second
)

// TagValue extracts the value of a "name:value" tag. The second return is
// false when the tag is absent; a bare "name" tag yields ("", true).
func TagValue(tags []string, name string) (string, bool) {
	prefix := name + ":"
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == name {
			return "", true
		}
		if strings.HasPrefix(tag, prefix) {
			return strings.TrimSpace(tag[len(prefix):]), true
		}
	}
	return "", false
}

// HasTag reports whether a bare or value-carrying tag named name exists.
func HasTag(tags []string, name string) bool {
	_, ok := TagValue(tags, name)
	return ok
}

// ResolveTarget decides which chat a content unit belongs to. An explicit
// "to:" tag wins; otherwise the unit stays in the chat being processed.
// Unknown targets return a wrapped ErrUnknownChat so the caller can log
// and skip without aborting the drain.
func ResolveTarget(tags []string, processingChat string, known func(string) bool) (string, error) {
	target, ok := TagValue(tags, TagTo)
	if !ok || target == "" {
		return processingChat, nil
	}
	if known != nil && !known(target) {
		return "", fmt.Errorf("%w: target %q (processing %q)", ErrUnknownChat, target, processingChat)
	}
	return target, nil
}

// DelayFor derives whether a content unit should be buffered and for how
// long. captured is a duration stashed by the script's delay hook and
// takes precedence; a "delay:N" tag overrides in milliseconds; a bare
// "delay" tag derives a length-proportional duration. All results clamp
// to MaxDelay. The boolean is false when the unit appends immediately.
func DelayFor(content string, tags []string, captured time.Duration) (time.Duration, bool) {
	if captured > 0 {
		return clampDelay(captured), true
	}
	value, ok := TagValue(tags, TagDelay)
	if !ok {
		return 0, false
	}
	if value != "" {
		ms, err := strconv.Atoi(value)
		if err != nil || ms <= 0 {
			return 0, false
		}
		return clampDelay(time.Duration(ms) * time.Millisecond), true
	}
	derived := time.Duration(utf8.RuneCountInString(content)) * delayPerRune
	if derived < minDelay {
		derived = minDelay
	}
	return clampDelay(derived), true
}

func clampDelay(d time.Duration) time.Duration {
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// TypeFromTags classifies a content unit's author.
func TypeFromTags(tags []string) MessageType {
	if HasTag(tags, TagSent) {
		return MessageSent
	}
	if HasTag(tags, TagSystem) {
		return MessageSystem
	}
	return MessageReceived
}

// Equivalent reports whether two messages are the same logical record.
// It is used when merging restored history with freshly computed state
// across a content-shape change, so it compares only fields present in
// both shapes: a restored message missing a newly added optional field
// must still be recognized as the same message, while genuinely distinct
// messages must not collapse.
func Equivalent(a, b Message) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	if a.ChatID != b.ChatID || a.Content != b.Content || a.Type != b.Type {
		return false
	}
	if !a.Timestamp.IsZero() && !b.Timestamp.IsZero() && !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	if a.Label != "" && b.Label != "" && a.Label != b.Label {
		return false
	}
	return true
}

// ContainsEquivalent reports whether history already holds a record
// equivalent to candidate.
func ContainsEquivalent(history []Message, candidate Message) bool {
	for _, existing := range history {
		if Equivalent(existing, candidate) {
			return true
		}
	}
	return false
}

// StatusMessage synthesizes a non-visible status-only record from a
// "status:" tag value. Status records flow through the same emission
// pipeline as visible messages and share its exactly-once guarantee, but
// are never rendered as bubbles and never count toward unread.
func StatusMessage(chatID, status string, now time.Time, newID func() (string, error)) (Message, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		return Message{}, fmt.Errorf("status text is required")
	}
	messageID, err := newID()
	if err != nil {
		return Message{}, fmt.Errorf("generate status id: %w", err)
	}
	return Message{
		ID:         messageID,
		ChatID:     chatID,
		Content:    status,
		Type:       MessageSystem,
		Timestamp:  now.UTC(),
		StatusOnly: true,
	}, nil
}

// Preview truncates content for a notification banner.
func Preview(content string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(content) <= maxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxRunes-1]) + "…"
}
