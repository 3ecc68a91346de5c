package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/louisbranch/pocketline/internal/chat"
	"github.com/louisbranch/pocketline/internal/coordinator"
	"github.com/louisbranch/pocketline/internal/storage"
	"github.com/louisbranch/pocketline/internal/story"
)

type fakeScheduler struct {
	delays []time.Duration
	fns    []func()
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) {
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, fn)
}

func (s *fakeScheduler) fire(t *testing.T) {
	t.Helper()
	if len(s.fns) == 0 {
		t.Fatal("no timer scheduled")
	}
	fn := s.fns[0]
	s.fns = s.fns[1:]
	s.delays = s.delays[1:]
	fn()
}

type receivedEvent struct {
	chatID string
	msg    chat.Message
	active bool
}

type receiptEvent struct {
	chatID  string
	label   string
	receipt chat.Receipt
}

type openedEvent struct {
	chatID        string
	count         int
	deferredCount int
}

type typingEvent struct {
	chatID  string
	speaker string
}

type recorder struct {
	received      []receivedEvent
	notifications []string
	previews      []string
	offers        [][]story.Choice
	typingStarts  []typingEvent
	typingEnds    []string
	receipts      []receiptEvent
	opened        []openedEvent
}

func (r *recorder) MessageReceived(chatID string, msg chat.Message, active bool) {
	r.received = append(r.received, receivedEvent{chatID, msg, active})
}

func (r *recorder) Notification(chatID, preview string) {
	r.notifications = append(r.notifications, chatID)
	r.previews = append(r.previews, preview)
}

func (r *recorder) ChoicesAvailable(chatID string, choices []story.Choice) {
	r.offers = append(r.offers, choices)
}

func (r *recorder) TypingStart(chatID, speaker string) {
	r.typingStarts = append(r.typingStarts, typingEvent{chatID, speaker})
}

func (r *recorder) TypingEnd(chatID string) { r.typingEnds = append(r.typingEnds, chatID) }

func (r *recorder) ReceiptChanged(chatID, label string, receipt chat.Receipt) {
	r.receipts = append(r.receipts, receiptEvent{chatID, label, receipt})
}

func (r *recorder) ChatOpened(chatID string, messages []chat.Message, deferredCount int) {
	r.opened = append(r.opened, openedEvent{chatID, len(messages), deferredCount})
}

// deliveries counts MessageReceived events per message id.
func (r *recorder) deliveries() map[string]int {
	counts := map[string]int{}
	for _, evt := range r.received {
		counts[evt.msg.ID]++
	}
	return counts
}

type memStore struct {
	snapshot storage.Snapshot
	found    bool
}

func (s *memStore) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	s.snapshot = snapshot
	s.found = true
	return nil
}

func (s *memStore) LoadSnapshot(ctx context.Context) (storage.Snapshot, bool, error) {
	return s.snapshot, s.found, nil
}

func (s *memStore) Reset(ctx context.Context) error {
	s.snapshot = storage.Snapshot{}
	s.found = false
	return nil
}

func addSteps(t *testing.T, s *story.Story, name string, steps ...story.Step) {
	t.Helper()
	knot, err := s.AddKnot(name)
	if err != nil {
		t.Fatalf("add knot %s: %v", name, err)
	}
	knot.Steps = append(knot.Steps, steps...)
}

func fixtureStory(t *testing.T) *story.Story {
	t.Helper()
	s := story.NewStory("lakeside")
	addSteps(t, s, "alex_entry",
		story.Step{Kind: story.StepLine, Text: "hey. you up?"},
		story.Step{Kind: story.StepLine, Text: "i saw something at the lake", Tags: []string{"delay:50"}},
		story.Step{Kind: story.StepChoice, Text: "Who is this?", Target: "alex_wary"},
		story.Step{Kind: story.StepChoice, Text: "What happened?", Target: "alex_open"},
	)
	addSteps(t, s, "alex_open",
		story.Step{Kind: story.StepLine, Text: "meet me there", Tags: []string{"delay:30"}},
		story.Step{Kind: story.StepDone},
	)
	addSteps(t, s, "alex_wary",
		story.Step{Kind: story.StepLine, Text: "wrong number"},
		story.Step{Kind: story.StepDone},
	)
	addSteps(t, s, "family_entry",
		story.Step{Kind: story.StepLine, Text: "dinner at 7", Tags: []string{"seed"}},
		story.Step{Kind: story.StepDone},
	)
	if err := s.Validate(); err != nil {
		t.Fatalf("validate story: %v", err)
	}
	return s
}

func fixtureRegistry(t *testing.T) *chat.Registry {
	t.Helper()
	registry, err := chat.ParseRegistry([]byte(`
chats:
  - id: alex
    knot: alex_entry
    name_key: contact.alex
  - id: family
    knot: family_entry
`))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	return registry
}

type stack struct {
	controller  *Controller
	coordinator *coordinator.Coordinator
	scheduler   *fakeScheduler
	events      *recorder
	store       *memStore
}

type stackOptions struct {
	story     *story.Story
	startChat string
	store     *memStore
	idPrefix  string
}

func newStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()
	if opts.story == nil {
		opts.story = fixtureStory(t)
	}
	if opts.startChat == "" {
		opts.startChat = "alex"
	}
	if opts.store == nil {
		opts.store = &memStore{}
	}
	if opts.idPrefix == "" {
		opts.idPrefix = "m"
	}

	cursor := story.NewCursor(opts.story)
	cursor.SetLogf(t.Logf)
	scheduler := &fakeScheduler{}
	n := 0
	at := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	coord, err := coordinator.New(coordinator.Config{
		Cursor:    cursor,
		Registry:  fixtureRegistry(t),
		Scheduler: scheduler,
		StartChat: opts.startChat,
		Now:       func() time.Time { return at },
		NewID: func() (string, error) {
			n++
			return fmt.Sprintf("%s%d", opts.idPrefix, n), nil
		},
		Logf: t.Logf,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	events := &recorder{}
	ctrl, err := New(Config{
		Coordinator: coord,
		Events:      events,
		Store:       opts.store,
		Logf:        t.Logf,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return &stack{
		controller:  ctrl,
		coordinator: coord,
		scheduler:   scheduler,
		events:      events,
		store:       opts.store,
	}
}

func TestMessagesSurfaceExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackOptions{})

	if err := s.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	s.scheduler.fire(t)
	if err := s.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("open chat: %v", err)
	}
	if err := s.controller.Choose(ctx, 1); err != nil {
		t.Fatalf("choose: %v", err)
	}
	s.scheduler.fire(t)
	s.controller.CloseChat(ctx)
	if err := s.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	for id, count := range s.events.deliveries() {
		if count != 1 {
			t.Fatalf("message %s delivered %d times", id, count)
		}
	}
	if len(s.events.received) == 0 {
		t.Fatal("expected deliveries")
	}
}

func TestNotificationsCoalescePerChat(t *testing.T) {
	ctx := context.Background()
	s := story.NewStory("burst")
	addSteps(t, s, "alex_entry",
		story.Step{Kind: story.StepLine, Text: "one"},
		story.Step{Kind: story.StepLine, Text: "two"},
		story.Step{Kind: story.StepLine, Text: "three", Tags: []string{"delay:10"}},
		story.Step{Kind: story.StepDone},
	)
	addSteps(t, s, "family_entry", story.Step{Kind: story.StepDone})
	stk := newStack(t, stackOptions{story: s})

	// Two messages land for an inactive chat in a single pass.
	if err := stk.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if got := len(stk.events.notifications); got != 1 {
		t.Fatalf("expected one coalesced notification, got %d", got)
	}
	if stk.events.previews[0] != "one" {
		t.Fatalf("unexpected preview %q", stk.events.previews[0])
	}
	if got := len(stk.coordinator.Snapshot().Unread); got != 1 {
		t.Fatalf("expected one unread chat, got %d", got)
	}

	// A later arrival while the chat is still unread and already
	// notified stays silent.
	stk.scheduler.fire(t)
	if got := len(stk.events.notifications); got != 1 {
		t.Fatalf("expected notified set to suppress repeat, got %d", got)
	}
}

func TestReopenedChatNotifiesOnNextArrival(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackOptions{})

	if err := s.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if len(s.events.notifications) != 1 {
		t.Fatalf("expected one notification before the visit, got %v", s.events.notifications)
	}

	// Visiting the chat clears its notified flag.
	if err := s.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("open chat: %v", err)
	}
	s.controller.CloseChat(ctx)
	before := len(s.events.notifications)

	// The parked message lands after the visit, while the hub is shown.
	s.scheduler.fire(t)
	if got := len(s.events.notifications) - before; got != 1 {
		t.Fatalf("expected exactly one new notification after reopen, got %d", got)
	}
	if last := s.events.notifications[len(s.events.notifications)-1]; last != "alex" {
		t.Fatalf("expected notification for alex, got %q", last)
	}
}

func TestOpenChatSuppressesNotifications(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackOptions{})

	if err := s.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := s.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("open chat: %v", err)
	}
	before := len(s.events.notifications)
	// The delayed message lands while the chat is the active view.
	s.scheduler.fire(t)
	if got := len(s.events.notifications); got != before {
		t.Fatalf("active-chat delivery must not notify, got %d new", got-before)
	}
	if _, unread := s.coordinator.Snapshot().Unread["alex"]; unread {
		t.Fatal("expected active chat to stay read")
	}
	last := s.events.received[len(s.events.received)-1]
	if !last.active {
		t.Fatal("expected delivery flagged as active")
	}
}

func TestSeedsNeverNotify(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackOptions{startChat: "family"})

	// Seeds drain while the hub is shown, the harshest case for the
	// notification guards.
	if err := s.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if len(s.events.notifications) != 0 {
		t.Fatalf("seeds must not notify, got %v", s.events.notifications)
	}
	if len(s.coordinator.Snapshot().Unread) != 0 {
		t.Fatal("seeds must not count toward unread")
	}
	if len(s.events.received) != 1 || !s.events.received[0].msg.IsSeed {
		t.Fatalf("expected the seed surfaced once, got %+v", s.events.received)
	}
}

func TestSaveReloadDoesNotRedeliver(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	first := newStack(t, stackOptions{store: store})

	if err := first.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	// One delivered message, one parked behind its timer.
	if err := first.controller.SaveState(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := newStack(t, stackOptions{store: store, idPrefix: "r"})
	if err := second.controller.StartSession(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(second.events.received) != 0 {
		t.Fatalf("restored history must not re-deliver, got %+v", second.events.received)
	}
	// The genuinely-unread chat notifies again, previewing the message
	// that made it unread.
	if len(second.events.notifications) != 1 || second.events.notifications[0] != "alex" {
		t.Fatalf("expected one re-notification for alex, got %v", second.events.notifications)
	}
	if second.events.previews[0] != "i saw something at the lake" {
		t.Fatalf("unexpected preview %q", second.events.previews[0])
	}

	// Opening replays the deferred message; it surfaces exactly once.
	if err := second.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("open after resume: %v", err)
	}
	if len(second.events.opened) != 1 || second.events.opened[0].deferredCount != 1 {
		t.Fatalf("expected deferred count 1, got %+v", second.events.opened)
	}
	if len(second.events.received) != 1 || second.events.received[0].msg.ID != "m2" {
		t.Fatalf("expected only the replayed message, got %+v", second.events.received)
	}
	for id, count := range second.events.deliveries() {
		if count != 1 {
			t.Fatalf("message %s delivered %d times after reload", id, count)
		}
	}
}

func TestDiscardedSnapshotDoesNotSuppressFreshDelivery(t *testing.T) {
	ctx := context.Background()
	store := &memStore{found: true}
	store.snapshot = storage.Snapshot{
		Version:     storage.SnapshotVersion,
		EngineState: []byte(`{"version":1,"knot":"gone","step":0}`),
		History: map[string][]chat.Message{
			"alex": {{ID: "m1", ChatID: "alex", Content: "stale", Type: chat.MessageReceived}},
		},
	}
	s := newStack(t, stackOptions{store: store})

	// The resume state references an unknown knot: the snapshot is
	// discarded and the session starts fresh.
	if err := s.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	// The fresh session mints m1 again; the discarded snapshot's ids must
	// not shadow it.
	if count := s.events.deliveries()["m1"]; count != 1 {
		t.Fatalf("expected fresh m1 delivered once, got %d", count)
	}
	if s.events.received[0].msg.Content != "hey. you up?" {
		t.Fatalf("unexpected first delivery %+v", s.events.received[0].msg)
	}
}

func TestDelayedCrossChatMessageNotDuplicated(t *testing.T) {
	ctx := context.Background()
	s := story.NewStory("crosschat")
	addSteps(t, s, "alex_entry",
		story.Step{Kind: story.StepLine, Text: "sending this to your family chat", Tags: []string{"to:family", "delay:20"}},
		story.Step{Kind: story.StepLine, Text: "done"},
		story.Step{Kind: story.StepDone},
	)
	addSteps(t, s, "family_entry", story.Step{Kind: story.StepDone})
	stk := newStack(t, stackOptions{story: s})

	if err := stk.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := stk.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("open alex: %v", err)
	}
	// The family-bound message is still parked; churning the active chat
	// must not duplicate it.
	stk.controller.CloseChat(ctx)
	if err := stk.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("reopen alex: %v", err)
	}
	stk.scheduler.fire(t)

	if count := stk.events.deliveries()["m1"]; count != 1 {
		t.Fatalf("expected single delivery to family, got %d", count)
	}
	if len(stk.coordinator.Snapshot().History["family"]) != 1 {
		t.Fatalf("unexpected family history: %+v", stk.coordinator.Snapshot().History["family"])
	}
}

func TestTypingIndicatorTracksViewedDelay(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackOptions{})

	if err := s.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	// A parked message for a chat the user is not viewing shows nothing.
	if len(s.events.typingStarts) != 0 {
		t.Fatalf("unexpected typing for hub view: %v", s.events.typingStarts)
	}

	if err := s.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("open chat: %v", err)
	}
	if len(s.events.typingStarts) != 1 {
		t.Fatalf("expected typing start on open, got %v", s.events.typingStarts)
	}
	if start := s.events.typingStarts[0]; start.chatID != "alex" || start.speaker != "contact.alex" {
		t.Fatalf("unexpected typing start %+v", start)
	}

	s.scheduler.fire(t)
	if len(s.events.typingEnds) != 1 || s.events.typingEnds[0] != "alex" {
		t.Fatalf("expected typing end on delivery, got %v", s.events.typingEnds)
	}
	// Delivery precedes the indicator clearing within the pass.
	last := s.events.received[len(s.events.received)-1]
	if last.msg.Content != "i saw something at the lake" {
		t.Fatalf("unexpected final delivery %+v", last.msg)
	}
}

func TestChoicesOfferedOncePerWait(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackOptions{})

	if err := s.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	s.scheduler.fire(t)
	if err := s.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("open chat: %v", err)
	}
	if len(s.events.offers) != 1 || len(s.events.offers[0]) != 2 {
		t.Fatalf("expected one offer of two choices, got %+v", s.events.offers)
	}

	// Re-publishing the same waiting state does not repeat the offer;
	// leaving and reopening the chat does.
	s.controller.CloseChat(ctx)
	if err := s.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(s.events.offers) != 2 {
		t.Fatalf("expected a fresh offer after reopen, got %d", len(s.events.offers))
	}
}

func TestReceiptUpgradeEmitsOnce(t *testing.T) {
	ctx := context.Background()
	s := story.NewStory("receipts")
	addSteps(t, s, "alex_entry",
		story.Step{Kind: story.StepLine, Text: "I'll be there", Tags: []string{"sent", "label:promise"}},
		story.Step{Kind: story.StepChoice, Text: "ok", Target: "alex_read"},
	)
	addSteps(t, s, "alex_read",
		story.Step{Kind: story.StepLine, Text: "", Tags: []string{"receipt:promise:read"}},
		story.Step{Kind: story.StepDone},
	)
	addSteps(t, s, "family_entry", story.Step{Kind: story.StepDone})
	stk := newStack(t, stackOptions{story: s})

	if err := stk.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := stk.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("open chat: %v", err)
	}
	if err := stk.controller.Choose(ctx, 0); err != nil {
		t.Fatalf("choose: %v", err)
	}

	var upgrades []receiptEvent
	for _, evt := range stk.events.receipts {
		if evt.label == "promise" {
			upgrades = append(upgrades, evt)
		}
	}
	if len(upgrades) != 1 || upgrades[0].receipt != chat.ReceiptRead {
		t.Fatalf("expected single upgrade to read, got %+v", upgrades)
	}

	// Further churn never repeats the event.
	stk.controller.CloseChat(ctx)
	if err := stk.controller.OpenChat(ctx, "alex"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := len(stk.events.receipts); got != len(upgrades) {
		t.Fatalf("expected no repeated receipt events, got %d", got)
	}
}

func TestResetGameWipesStoreAndRestarts(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackOptions{})

	if err := s.controller.StartSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := s.controller.SaveState(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.controller.ResetGame(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.store.found {
		t.Fatal("expected persisted snapshot deleted")
	}
	if len(s.coordinator.Snapshot().History["alex"]) == 0 {
		t.Fatal("expected a fresh session after reset")
	}
}
