// Package coordinator implements the finite-state machine that owns all
// canonical session state: per-chat message histories, deferred queues,
// delay slots, and the notified/unread sets. It is the only writer of
// that state. It never emits UI-facing events; the controller diffs its
// snapshots, which is what makes exactly-once delivery possible.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/pocketline/internal/bridge"
	"github.com/louisbranch/pocketline/internal/chat"
	"github.com/louisbranch/pocketline/internal/id"
	"github.com/louisbranch/pocketline/internal/storage"
	"github.com/louisbranch/pocketline/internal/story"
	"github.com/louisbranch/pocketline/internal/telemetry"
)

// State is the coordinator's machine state.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateIdle            State = "idle"
	StateProcessingStory State = "processingStory"
	StateDelaying        State = "delaying"
	StateWaitingForInput State = "waitingForInput"
	StateResetting       State = "resetting"
)

// defaultStallThreshold bounds how often the same cursor position may be
// revisited within one drain before the stall diagnostic fires.
const defaultStallThreshold = 64

// Scheduler schedules delay-slot timers. Callbacks must be delivered on
// the coordinator's thread; the run loop funnels real timer fires
// through its single channel, and tests fire them by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// Snapshot is a read-only copy of the canonical state handed to the
// controller after every transition.
type Snapshot struct {
	State          State
	View           chat.View
	ProcessingChat string
	History        map[string][]chat.Message
	Deferred       map[string][]chat.Message
	LastRead       map[string]string
	Notified       map[string]struct{}
	Unread         map[string]struct{}
	// Delaying maps chat id to its parked message; at most one per chat.
	Delaying map[string]chat.Message
	Choices  []story.Choice
}

// Config wires a coordinator's collaborators.
type Config struct {
	Cursor    *story.Cursor
	Bridge    *bridge.Bridge
	Registry  *chat.Registry
	Scheduler Scheduler
	// StartChat is the chat whose branch drives session start.
	StartChat string
	// StallThreshold overrides the stall detector bound; zero keeps the
	// default.
	StallThreshold int
	// OnStall is the diagnostic callback for stalled narrative progress;
	// firing it never halts execution.
	OnStall     func(position string)
	Diagnostics *telemetry.Emitter
	Now         func() time.Time
	NewID       func() (string, error)
	Logf        func(format string, args ...any)
	// OnUpdate receives a snapshot after every completed transition.
	OnUpdate func(Snapshot)
}

// Coordinator is the finite-state machine. It is not safe for concurrent
// use: all transitions must run on one goroutine.
type Coordinator struct {
	state State
	view  chat.View

	cursor      *story.Cursor
	bridge      *bridge.Bridge
	registry    *chat.Registry
	scheduler   Scheduler
	diagnostics *telemetry.Emitter
	onStall     func(position string)
	stallLimit  int
	now         func() time.Time
	newID       func() (string, error)
	logf        func(format string, args ...any)
	onUpdate    func(Snapshot)

	startChat      string
	processingChat string
	visited        map[string]struct{}

	history  map[string][]chat.Message
	deferred map[string][]chat.Message
	lastRead map[string]string
	notified map[string]struct{}
	unread   map[string]struct{}

	// slots holds at most one parked message per chat; pausedChat names
	// the chat whose pending timer paused the drain.
	slots      map[string]chat.Message
	pausedChat string
}

// New creates an uninitialized coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Cursor == nil {
		return nil, fmt.Errorf("cursor is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if strings.TrimSpace(cfg.StartChat) == "" {
		return nil, fmt.Errorf("start chat is required")
	}
	if !cfg.Registry.Has(cfg.StartChat) {
		return nil, fmt.Errorf("start chat %q is not in the registry", cfg.StartChat)
	}

	c := &Coordinator{
		state:       StateUninitialized,
		view:        chat.View{Kind: chat.ViewLockscreen},
		cursor:      cfg.Cursor,
		bridge:      cfg.Bridge,
		registry:    cfg.Registry,
		scheduler:   cfg.Scheduler,
		diagnostics: cfg.Diagnostics,
		onStall:     cfg.OnStall,
		stallLimit:  cfg.StallThreshold,
		now:         cfg.Now,
		newID:       cfg.NewID,
		logf:        cfg.Logf,
		onUpdate:    cfg.OnUpdate,
		startChat:   cfg.StartChat,
	}
	if c.stallLimit <= 0 {
		c.stallLimit = defaultStallThreshold
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = id.NewID
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	c.clearCollections()
	return c, nil
}

func (c *Coordinator) clearCollections() {
	c.history = map[string][]chat.Message{}
	c.deferred = map[string][]chat.Message{}
	c.lastRead = map[string]string{}
	c.notified = map[string]struct{}{}
	c.unread = map[string]struct{}{}
	c.slots = map[string]chat.Message{}
	c.visited = map[string]struct{}{}
	c.processingChat = ""
	c.pausedChat = ""
}

// SetOnUpdate registers the snapshot listener. The controller attaches
// itself here because it is constructed after the coordinator.
func (c *Coordinator) SetOnUpdate(fn func(Snapshot)) {
	c.onUpdate = fn
}

// State returns the current machine state.
func (c *Coordinator) State() State { return c.state }

// View returns the currently displayed surface.
func (c *Coordinator) View() chat.View { return c.view }

// HasChat reports whether chatID is in the registry.
func (c *Coordinator) HasChat(chatID string) bool {
	return c.registry.Has(chatID)
}

// SpeakerFor returns the display-name key of the character typing in
// chatID, falling back to the chat id for entries without one.
func (c *Coordinator) SpeakerFor(chatID string) string {
	entry, err := c.registry.Lookup(chatID)
	if err != nil || entry.NameKey == "" {
		return chatID
	}
	return entry.NameKey
}

// DeferredCount returns the number of queued messages for a chat. The
// controller reads it before sending an open transition, because opening
// replays the queue and the pre-replay count is unrecoverable afterward.
func (c *Coordinator) DeferredCount(chatID string) int {
	return len(c.deferred[chatID])
}

// StartFresh begins a new session: positions the cursor at the start
// chat's entry knot and drains the story.
func (c *Coordinator) StartFresh(ctx context.Context) error {
	if c.state != StateUninitialized {
		return fmt.Errorf("start fresh from state %q", c.state)
	}
	c.view = chat.View{Kind: chat.ViewHub}
	if err := c.enterBranch(ctx, c.startChat); err != nil {
		return err
	}
	c.state = StateProcessingStory
	c.drain(ctx)
	c.publish()
	return nil
}

// OpenChat makes chatID the active view, replays its deferred queue into
// history, and resumes waiting state or re-enters processing.
func (c *Coordinator) OpenChat(ctx context.Context, chatID string) error {
	if _, err := c.registry.Lookup(chatID); err != nil {
		return err
	}
	c.view = chat.View{Kind: chat.ViewChat, ChatID: chatID}

	for _, msg := range c.deferred[chatID] {
		// A record persisted into both history and the deferred queue
		// replays once.
		if chat.ContainsEquivalent(c.history[chatID], msg) {
			continue
		}
		c.append(msg)
	}
	delete(c.deferred, chatID)

	delete(c.notified, chatID)
	delete(c.unread, chatID)
	if history := c.history[chatID]; len(history) > 0 {
		c.lastRead[chatID] = history[len(history)-1].ID
	}

	switch {
	case c.processingChat == chatID && len(c.cursor.Choices()) > 0:
		c.state = StateWaitingForInput
	case c.processingChat == chatID && c.state == StateDelaying:
		// A pending timer is pacing the story; its fire resumes the drain.
	case c.processingChat == chatID:
		c.state = StateProcessingStory
		c.drain(ctx)
	default:
		if _, seen := c.visited[chatID]; !seen && c.canNavigate() {
			if err := c.enterBranch(ctx, chatID); err != nil {
				c.reportSkip(ctx, fmt.Sprintf("open chat %s: %v", chatID, err))
			} else {
				c.state = StateProcessingStory
				c.drain(ctx)
			}
		}
	}
	c.publish()
	return nil
}

// canNavigate reports whether the cursor may be repositioned without
// abandoning work in flight for another chat.
func (c *Coordinator) canNavigate() bool {
	return c.state == StateIdle || c.state == StateUninitialized ||
		(c.state == StateProcessingStory && !c.cursor.CanContinue() && !c.cursor.AwaitingData())
}

func (c *Coordinator) enterBranch(ctx context.Context, chatID string) error {
	entry, err := c.registry.Lookup(chatID)
	if err != nil {
		return err
	}
	if err := c.cursor.MoveTo(entry.Knot); err != nil {
		return fmt.Errorf("enter branch for chat %q: %w", chatID, err)
	}
	c.processingChat = chatID
	c.visited[chatID] = struct{}{}
	return nil
}

// CloseChat returns the view to the hub. Background delivery for parked
// messages continues; only the notification path is gated on inactivity,
// never the append itself.
func (c *Coordinator) CloseChat() {
	c.view = chat.View{Kind: chat.ViewHub}
	if c.state == StateWaitingForInput {
		// The offer stays parked in the cursor and resumes on reopen.
		c.state = StateIdle
	}
	c.publish()
}

// Choose selects a pending reply for the active chat: the player's
// message is appended with a sent receipt and draining resumes.
func (c *Coordinator) Choose(ctx context.Context, index int) error {
	if c.state != StateWaitingForInput {
		return fmt.Errorf("choose from state %q", c.state)
	}
	chosen, err := c.cursor.Choose(index)
	if err != nil {
		return err
	}

	messageID, err := c.newID()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}
	c.append(chat.Message{
		ID:        messageID,
		ChatID:    c.processingChat,
		Content:   chosen.Label,
		Type:      chat.MessageSent,
		Timestamp: c.now().UTC(),
		Receipt:   chat.ReceiptSent,
	})

	c.state = StateProcessingStory
	c.drain(ctx)
	c.publish()
	return nil
}

// DelayFired delivers the parked message for chatID. It is invoked by
// the scheduler on the coordinator's thread. Delivery happens whether or
// not the chat is active; there is no mid-delay cancellation.
func (c *Coordinator) DelayFired(ctx context.Context, chatID string) {
	msg, ok := c.slots[chatID]
	if !ok {
		return
	}
	delete(c.slots, chatID)
	c.append(msg)

	if c.pausedChat == chatID && c.state == StateDelaying {
		c.pausedChat = ""
		c.state = StateProcessingStory
		c.drain(ctx)
	}
	c.publish()
}

// DataReady resumes draining after the bridge completed an external-data
// request. A stale completion leaves the cursor suspended and this is a
// no-op.
func (c *Coordinator) DataReady(ctx context.Context) {
	if c.cursor.AwaitingData() || c.state != StateProcessingStory {
		return
	}
	c.drain(ctx)
	c.publish()
}

// MarkChatNotified records that a background notification fired for
// chatID. The set is cleared for a chat exactly when it becomes the
// active view. The mutation is quiet: it happens inside the controller's
// diff pass, which already accounts for it.
func (c *Coordinator) MarkChatNotified(chatID string) {
	c.notified[chatID] = struct{}{}
}

// MarkChatRead clears unread state for chatID without opening it, for
// mark-as-read gestures on the hub. The read boundary advances to the
// newest message.
func (c *Coordinator) MarkChatRead(chatID string) {
	delete(c.unread, chatID)
	delete(c.notified, chatID)
	if history := c.history[chatID]; len(history) > 0 {
		c.lastRead[chatID] = history[len(history)-1].ID
	}
	c.publish()
}

// UpgradeReceipt upgrades the receipt of the labeled player message in
// place. Downgrades are ignored.
func (c *Coordinator) UpgradeReceipt(chatID, label string, receipt chat.Receipt) {
	history := c.history[chatID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Label == label && history[i].Type == chat.MessageSent {
			if receipt > history[i].Receipt {
				history[i].Receipt = receipt
			}
			c.publish()
			return
		}
	}
	c.logf("coordinator: receipt upgrade for unknown label %q in chat %q", label, chatID)
}

// ExportSnapshot serializes the session for persistence. Parked delay
// slots fold into the deferred queues: a timer does not survive the
// process, so the message replays when its chat next opens.
func (c *Coordinator) ExportSnapshot() (storage.Snapshot, error) {
	engine, err := c.cursor.State()
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("export engine state: %w", err)
	}
	snapshot := storage.Snapshot{
		Version:        storage.SnapshotVersion,
		EngineState:    engine,
		History:        copyHistory(c.history),
		LastRead:       copyStringMap(c.lastRead),
		Deferred:       copyHistory(c.deferred),
		ProcessingChat: c.processingChat,
		SavedAt:        c.now().UTC(),
	}
	for chatID, msg := range c.slots {
		snapshot.Deferred[chatID] = append(snapshot.Deferred[chatID], msg)
	}
	for chatID := range c.unread {
		snapshot.UnreadChatIDs = append(snapshot.UnreadChatIDs, chatID)
	}
	snapshot.Normalize()
	return snapshot, nil
}

// Resume restores a persisted session into an uninitialized coordinator.
// The view returns to the hub; a restored outstanding data request leaves
// the machine in processing so the run loop resolves it.
func (c *Coordinator) Resume(ctx context.Context, snapshot storage.Snapshot) error {
	if c.state != StateUninitialized {
		return fmt.Errorf("resume from state %q", c.state)
	}
	if err := c.cursor.Restore(snapshot.EngineState); err != nil {
		return fmt.Errorf("restore engine state: %w", err)
	}

	c.clearCollections()
	c.history = copyHistory(snapshot.History)
	c.deferred = copyHistory(snapshot.Deferred)
	c.lastRead = copyStringMap(snapshot.LastRead)
	for _, chatID := range snapshot.UnreadChatIDs {
		c.unread[chatID] = struct{}{}
	}
	for chatID := range c.history {
		c.visited[chatID] = struct{}{}
	}
	c.processingChat = snapshot.ProcessingChat
	if c.processingChat != "" {
		c.visited[c.processingChat] = struct{}{}
	}

	c.view = chat.View{Kind: chat.ViewHub}
	if c.cursor.AwaitingData() {
		c.state = StateProcessingStory
	} else {
		c.state = StateIdle
	}
	c.publish()
	return nil
}

// Reset clears the whole session back to uninitialized.
func (c *Coordinator) Reset() {
	c.state = StateResetting
	c.clearCollections()
	c.view = chat.View{Kind: chat.ViewLockscreen}
	c.state = StateUninitialized
	c.publish()
}

// drain synchronously pulls content units from the engine until it
// suspends: a delay parked, a choice offer pending, a data request
// outstanding, or the branch exhausted. Transitions never panic; bad
// content is logged and skipped.
func (c *Coordinator) drain(ctx context.Context) {
	visits := map[string]int{}
	for {
		if c.cursor.AwaitingData() {
			// Suspension point: the run loop resolves the request and
			// calls DataReady.
			return
		}
		position := c.cursor.Position()
		visits[position]++
		if visits[position] > c.stallLimit {
			c.reportStall(ctx, position)
			c.state = StateIdle
			return
		}

		chunk, produced, err := c.cursor.Continue()
		if err != nil {
			c.reportSkip(ctx, fmt.Sprintf("continue at %s: %v", position, err))
			continue
		}
		if !produced {
			if c.cursor.AwaitingData() {
				return
			}
			if offer := c.cursor.Choices(); len(offer) > 0 {
				if c.view.Shows(c.processingChat) {
					c.state = StateWaitingForInput
				} else {
					// The offer waits in the cursor until the chat opens.
					c.state = StateIdle
				}
				return
			}
			c.state = StateIdle
			return
		}
		if parked := c.handleChunk(ctx, chunk); parked {
			c.state = StateDelaying
			return
		}
	}
}

// handleChunk classifies one content unit and either appends it or parks
// it in the target chat's delay slot. It reports whether the drain must
// pause for a timer.
func (c *Coordinator) handleChunk(ctx context.Context, chunk story.Chunk) bool {
	target, err := chat.ResolveTarget(chunk.Tags, c.processingChat, c.registry.Has)
	if err != nil {
		c.reportSkip(ctx, err.Error())
		return false
	}

	if receiptSpec, ok := chat.TagValue(chunk.Tags, "receipt"); ok {
		c.applyReceiptTag(target, receiptSpec)
	}

	if status, ok := chat.TagValue(chunk.Tags, chat.TagStatus); ok && status != "" {
		statusMsg, err := chat.StatusMessage(target, status, c.now(), c.newID)
		if err != nil {
			c.reportSkip(ctx, fmt.Sprintf("status for chat %s: %v", target, err))
		} else {
			c.append(statusMsg)
		}
	}

	if strings.TrimSpace(chunk.Text) == "" {
		return false
	}

	messageID, err := c.newID()
	if err != nil {
		c.reportSkip(ctx, fmt.Sprintf("generate message id: %v", err))
		return false
	}
	label, _ := chat.TagValue(chunk.Tags, chat.TagLabel)
	msg := chat.Message{
		ID:        messageID,
		ChatID:    target,
		Content:   chunk.Text,
		Type:      chat.TypeFromTags(chunk.Tags),
		Timestamp: c.now().UTC(),
		Label:     label,
		IsSeed:    chat.HasTag(chunk.Tags, chat.TagSeed),
	}
	if msg.Type == chat.MessageSent {
		msg.Receipt = chat.ReceiptSent
	}

	var captured time.Duration
	if c.bridge != nil {
		captured = c.bridge.TakeDelay()
	}
	delay, buffered := chat.DelayFor(msg.Content, chunk.Tags, captured)
	if !buffered || msg.IsSeed || msg.Type != chat.MessageReceived {
		c.append(msg)
		return false
	}

	if _, occupied := c.slots[target]; occupied {
		// At most one parked message per chat; deliver the overflow now.
		c.logf("coordinator: delay slot for chat %q occupied, appending immediately", target)
		c.append(msg)
		return false
	}

	c.slots[target] = msg
	c.pausedChat = target
	chatID := target
	c.scheduler.AfterFunc(delay, func() {
		c.DelayFired(context.Background(), chatID)
	})
	return true
}

func (c *Coordinator) applyReceiptTag(chatID, spec string) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		c.logf("coordinator: malformed receipt tag %q", spec)
		return
	}
	label := parts[0]
	var receipt chat.Receipt
	switch parts[1] {
	case "sent":
		receipt = chat.ReceiptSent
	case "delivered":
		receipt = chat.ReceiptDelivered
	case "read":
		receipt = chat.ReceiptRead
	default:
		c.logf("coordinator: unknown receipt state %q", parts[1])
		return
	}
	c.UpgradeReceipt(chatID, label, receipt)
}

// append adds a message to canonical history. Seed messages sort before
// the first non-seed message; everything else is append-only. Unread
// membership tracks appends to inactive chats, excluding seed and
// status-only records.
func (c *Coordinator) append(msg chat.Message) {
	history := c.history[msg.ChatID]
	if msg.IsSeed {
		insert := 0
		for insert < len(history) && history[insert].IsSeed {
			insert++
		}
		history = append(history, chat.Message{})
		copy(history[insert+1:], history[insert:])
		history[insert] = msg
	} else {
		history = append(history, msg)
	}
	c.history[msg.ChatID] = history

	if !c.view.Shows(msg.ChatID) && !msg.IsSeed && !msg.StatusOnly && msg.Type != chat.MessageSent {
		c.unread[msg.ChatID] = struct{}{}
	}
	if c.view.Shows(msg.ChatID) {
		c.lastRead[msg.ChatID] = msg.ID
	}
}

func (c *Coordinator) reportSkip(ctx context.Context, message string) {
	c.logf("coordinator: %s (skipped)", message)
	if c.diagnostics != nil {
		_ = c.diagnostics.Warnf(ctx, "coordinator", message)
	}
}

func (c *Coordinator) reportStall(ctx context.Context, position string) {
	message := fmt.Sprintf("narrative stalled at %s after %d visits", position, c.stallLimit)
	c.logf("coordinator: %s", message)
	if c.diagnostics != nil {
		_ = c.diagnostics.Warnf(ctx, "coordinator", message)
	}
	if c.onStall != nil {
		c.onStall(position)
	}
}

// publish hands a snapshot of canonical state to the controller.
func (c *Coordinator) publish() {
	if c.onUpdate == nil {
		return
	}
	c.onUpdate(c.Snapshot())
}

// Snapshot copies the canonical state. The copy is deep enough that the
// controller can never mutate coordinator-owned data.
func (c *Coordinator) Snapshot() Snapshot {
	snapshot := Snapshot{
		State:          c.state,
		View:           c.view,
		ProcessingChat: c.processingChat,
		History:        copyHistory(c.history),
		Deferred:       copyHistory(c.deferred),
		LastRead:       copyStringMap(c.lastRead),
		Notified:       copySet(c.notified),
		Unread:         copySet(c.unread),
		Delaying:       copyMessageMap(c.slots),
	}
	if c.state == StateWaitingForInput {
		snapshot.Choices = c.cursor.Choices()
	}
	return snapshot
}

func copyHistory(src map[string][]chat.Message) map[string][]chat.Message {
	out := make(map[string][]chat.Message, len(src))
	for chatID, messages := range src {
		copied := make([]chat.Message, len(messages))
		copy(copied, messages)
		out[chatID] = copied
	}
	return out
}

func copyStringMap(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func copySet(src map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

func copyMessageMap(src map[string]chat.Message) map[string]chat.Message {
	out := make(map[string]chat.Message, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
