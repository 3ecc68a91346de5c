// Package controller translates coordinator snapshots into UI-facing
// events. It owns the exactly-once guarantee: canonical state lives in
// the coordinator, and the controller diffs each snapshot against what
// it has already surfaced, so replaying or recomputing state never
// re-emits a message. It also owns persistence.
package controller

import (
	"context"
	"fmt"
	"log"
	"sort"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/louisbranch/pocketline/internal/chat"
	"github.com/louisbranch/pocketline/internal/coordinator"
	"github.com/louisbranch/pocketline/internal/storage"
	"github.com/louisbranch/pocketline/internal/story"
)

// previewRunes caps notification banner previews.
const previewRunes = 80

// Events is the UI-facing surface. Implementations render messages,
// banners, typing indicators, and reply offers; the controller guarantees
// each message id reaches MessageReceived at most once per install.
type Events interface {
	MessageReceived(chatID string, message chat.Message, active bool)
	Notification(chatID, preview string)
	ChoicesAvailable(chatID string, choices []story.Choice)
	// TypingStart identifies the speaker by the registry display-name key,
	// falling back to the chat id.
	TypingStart(chatID, speaker string)
	TypingEnd(chatID string)
	// ReceiptChanged reports an in-place receipt upgrade on the labeled
	// player message.
	ReceiptChanged(chatID, label string, receipt chat.Receipt)
	// ChatOpened carries the render list as it stood when the open began
	// plus the number of deferred messages about to be replayed; the
	// replayed and newly drained messages follow as MessageReceived.
	ChatOpened(chatID string, messages []chat.Message, deferredCount int)
}

// Config wires a controller.
type Config struct {
	Coordinator *coordinator.Coordinator
	Events      Events
	// Store persists session snapshots. Nil disables persistence.
	Store  storage.Store
	Tracer trace.Tracer
	Logf   func(format string, args ...any)
}

// Controller diffs coordinator snapshots into events and drives
// persistence.
type Controller struct {
	coordinator *coordinator.Coordinator
	events      Events
	store       storage.Store
	tracer      trace.Tracer
	logf        func(format string, args ...any)

	// emitted ids only grow within a session; receipts remembers the last
	// surfaced receipt per message so upgrades emit exactly once each.
	emitted  map[string]struct{}
	receipts map[string]chat.Receipt

	choicesOpen bool
	typingChat  string
}

// New creates a controller and attaches it to the coordinator's update
// stream.
func New(cfg Config) (*Controller, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("events sink is required")
	}
	c := &Controller{
		coordinator: cfg.Coordinator,
		events:      cfg.Events,
		store:       cfg.Store,
		tracer:      cfg.Tracer,
		logf:        cfg.Logf,
		emitted:     map[string]struct{}{},
		receipts:    map[string]chat.Receipt{},
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("pocketline")
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	c.coordinator.SetOnUpdate(c.HandleStateUpdate)
	return c, nil
}

// StartSession resumes the persisted session when one exists, otherwise
// starts fresh. A snapshot that cannot be restored is discarded with a
// log line rather than blocking startup.
func (c *Controller) StartSession(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "controller.StartSession")
	defer span.End()

	resumed, err := c.LoadState(ctx)
	if err != nil {
		c.logf("controller: discarding unusable snapshot: %v", err)
	}
	if resumed {
		return nil
	}
	return c.coordinator.StartFresh(ctx)
}

// OpenChat opens a conversation. The deferred count is captured before
// the transition because opening replays the queue.
func (c *Controller) OpenChat(ctx context.Context, chatID string) error {
	ctx, span := c.tracer.Start(ctx, "controller.OpenChat")
	defer span.End()

	if !c.coordinator.HasChat(chatID) {
		return fmt.Errorf("%w: %q", chat.ErrUnknownChat, chatID)
	}
	deferredCount := c.coordinator.DeferredCount(chatID)
	snapshot := c.coordinator.Snapshot()
	c.events.ChatOpened(chatID, snapshot.History[chatID], deferredCount)
	return c.coordinator.OpenChat(ctx, chatID)
}

// CloseChat returns to the hub.
func (c *Controller) CloseChat(ctx context.Context) {
	_, span := c.tracer.Start(ctx, "controller.CloseChat")
	defer span.End()
	c.coordinator.CloseChat()
}

// MarkChatRead clears unread state for a chat without opening it.
func (c *Controller) MarkChatRead(ctx context.Context, chatID string) error {
	_, span := c.tracer.Start(ctx, "controller.MarkChatRead")
	defer span.End()
	if !c.coordinator.HasChat(chatID) {
		return fmt.Errorf("%w: %q", chat.ErrUnknownChat, chatID)
	}
	c.coordinator.MarkChatRead(chatID)
	return nil
}

// Choose forwards a reply selection.
func (c *Controller) Choose(ctx context.Context, index int) error {
	ctx, span := c.tracer.Start(ctx, "controller.Choose")
	defer span.End()
	return c.coordinator.Choose(ctx, index)
}

// SaveState persists the current session.
func (c *Controller) SaveState(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "controller.SaveState")
	defer span.End()

	snapshot, err := c.coordinator.ExportSnapshot()
	if err != nil {
		return err
	}
	if err := c.store.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadState restores the persisted session. Restored history is marked
// emitted without events so a reload never re-delivers messages; chats
// that were genuinely unread at save time notify again, once each.
func (c *Controller) LoadState(ctx context.Context) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	ctx, span := c.tracer.Start(ctx, "controller.LoadState")
	defer span.End()

	snapshot, found, err := c.store.LoadSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if !found {
		return false, nil
	}

	// Ids prime before Resume so its publish stays silent. A rejected
	// snapshot rolls the trackers back: its ids must not shadow the ids a
	// fresh session will mint.
	for _, messages := range snapshot.History {
		for _, msg := range messages {
			c.emitted[msg.ID] = struct{}{}
			c.receipts[msg.ID] = msg.Receipt
		}
	}

	if err := c.coordinator.Resume(ctx, snapshot); err != nil {
		for _, messages := range snapshot.History {
			for _, msg := range messages {
				delete(c.emitted, msg.ID)
				delete(c.receipts, msg.ID)
			}
		}
		return false, err
	}

	for _, chatID := range snapshot.UnreadChatIDs {
		preview := lastPreview(snapshot, chatID)
		c.events.Notification(chatID, preview)
		c.coordinator.MarkChatNotified(chatID)
	}
	return true, nil
}

// ResetGame wipes the session and persisted snapshot and starts over.
func (c *Controller) ResetGame(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "controller.ResetGame")
	defer span.End()

	c.coordinator.Reset()
	if c.store != nil {
		if err := c.store.Reset(ctx); err != nil {
			return fmt.Errorf("reset store: %w", err)
		}
	}
	c.emitted = map[string]struct{}{}
	c.receipts = map[string]chat.Receipt{}
	c.choicesOpen = false
	if c.typingChat != "" {
		c.events.TypingEnd(c.typingChat)
		c.typingChat = ""
	}
	return c.coordinator.StartFresh(ctx)
}

// HandleStateUpdate diffs one snapshot against everything already
// surfaced. It runs synchronously after every coordinator transition.
//
// The notification path is guarded twice: the coordinator's persisted
// notified set suppresses repeats across separate passes, and a local
// per-pass set suppresses repeats within this pass, where the
// coordinator's own mutation is not yet visible.
func (c *Controller) HandleStateUpdate(snapshot coordinator.Snapshot) {
	localNotified := map[string]struct{}{}

	for _, chatID := range sortedKeys(snapshot.History) {
		active := snapshot.View.Shows(chatID)
		for _, msg := range snapshot.History[chatID] {
			if _, seen := c.emitted[msg.ID]; seen {
				if prev, ok := c.receipts[msg.ID]; ok && prev != msg.Receipt {
					c.receipts[msg.ID] = msg.Receipt
					c.events.ReceiptChanged(chatID, msg.Label, msg.Receipt)
				}
				continue
			}
			c.emitted[msg.ID] = struct{}{}
			c.receipts[msg.ID] = msg.Receipt
			c.events.MessageReceived(chatID, msg, active)

			if active || msg.IsSeed || msg.StatusOnly || msg.Type == chat.MessageSent {
				continue
			}
			if _, unread := snapshot.Unread[chatID]; !unread {
				continue
			}
			if _, done := localNotified[chatID]; done {
				continue
			}
			if _, done := snapshot.Notified[chatID]; done {
				continue
			}
			c.events.Notification(chatID, chat.Preview(msg.Content, previewRunes))
			localNotified[chatID] = struct{}{}
			c.coordinator.MarkChatNotified(chatID)
		}
	}

	if snapshot.State == coordinator.StateWaitingForInput && len(snapshot.Choices) > 0 {
		if !c.choicesOpen {
			c.choicesOpen = true
			c.events.ChoicesAvailable(snapshot.View.ChatID, snapshot.Choices)
		}
	} else {
		c.choicesOpen = false
	}

	// The typing indicator is derived, never stored: it shows exactly
	// while the viewed chat has a parked delayed message.
	typing := ""
	if snapshot.View.Kind == chat.ViewChat {
		if _, parked := snapshot.Delaying[snapshot.View.ChatID]; parked {
			typing = snapshot.View.ChatID
		}
	}
	if typing != c.typingChat {
		if c.typingChat != "" {
			c.events.TypingEnd(c.typingChat)
		}
		if typing != "" {
			c.events.TypingStart(typing, c.coordinator.SpeakerFor(typing))
		}
		c.typingChat = typing
	}
}

// lastPreview picks the banner text for a restored unread chat: the
// newest visible message, checking the deferred queue first since those
// are the records that made the chat unread.
func lastPreview(snapshot storage.Snapshot, chatID string) string {
	if text, ok := newestVisible(snapshot.Deferred[chatID]); ok {
		return text
	}
	if text, ok := newestVisible(snapshot.History[chatID]); ok {
		return text
	}
	return ""
}

func newestVisible(messages []chat.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].IsSeed || messages[i].StatusOnly || messages[i].Type == chat.MessageSent {
			continue
		}
		return chat.Preview(messages[i].Content, previewRunes), true
	}
	return "", false
}

func sortedKeys(m map[string][]chat.Message) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
