// Package pocketline parses command flags and runs an interactive
// messaging session in the terminal. All coordinator transitions run on
// one goroutine: timer fires, fetch completions, and player commands are
// funneled through a single event channel.
package pocketline

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/louisbranch/pocketline/internal/bridge"
	"github.com/louisbranch/pocketline/internal/chat"
	"github.com/louisbranch/pocketline/internal/controller"
	"github.com/louisbranch/pocketline/internal/coordinator"
	"github.com/louisbranch/pocketline/internal/platform/config"
	"github.com/louisbranch/pocketline/internal/platform/i18n/catalog"
	platformotel "github.com/louisbranch/pocketline/internal/platform/otel"
	"github.com/louisbranch/pocketline/internal/storage/sqlite"
	"github.com/louisbranch/pocketline/internal/story"
	"github.com/louisbranch/pocketline/internal/telemetry"
)

// Config holds pocketline command configuration.
type Config struct {
	DBPath         string `env:"POCKETLINE_DB_PATH" envDefault:"pocketline.db"`
	StoryPath      string `env:"POCKETLINE_STORY_PATH" envDefault:"story.lua"`
	RegistryPath   string `env:"POCKETLINE_REGISTRY_PATH" envDefault:"registry.yaml"`
	LocalesDir     string `env:"POCKETLINE_LOCALES_DIR"`
	Locale         string `env:"POCKETLINE_LOCALE" envDefault:"en-US"`
	DataDir        string `env:"POCKETLINE_DATA_DIR"`
	StartChat      string `env:"POCKETLINE_START_CHAT"`
	StallThreshold int    `env:"POCKETLINE_STALL_THRESHOLD" envDefault:"64"`
}

// ParseConfig parses environment and flags into a Config. Flags override
// environment values.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the session database")
	fs.StringVar(&cfg.StoryPath, "story", cfg.StoryPath, "Path to the story script")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "Path to the chat registry")
	fs.StringVar(&cfg.LocalesDir, "locales", cfg.LocalesDir, "Directory of locale catalogs")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "Display locale")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Directory answering external-data requests")
	fs.StringVar(&cfg.StartChat, "start", cfg.StartChat, "Chat whose branch starts the session (defaults to the first registry entry)")
	fs.IntVar(&cfg.StallThreshold, "stall", cfg.StallThreshold, "Stall detector threshold")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loopScheduler schedules delay timers that fire back on the run loop.
type loopScheduler struct {
	events chan<- func()
}

func (s *loopScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		s.events <- fn
	})
}

// fileProvider answers external-data requests from files under a root
// directory, keyed by relative path.
type fileProvider struct {
	root string
}

func (p fileProvider) Fetch(ctx context.Context, key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("data key %q escapes the data directory", key)
	}
	data, err := os.ReadFile(filepath.Join(p.root, clean))
	if err != nil {
		return "", fmt.Errorf("read data key %q: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Run starts the session and blocks until the context is canceled or the
// player quits.
func Run(ctx context.Context, cfg Config) error {
	shutdownTracing, err := platformotel.Setup(ctx, "pocketline")
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	registry, err := chat.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		return err
	}
	startChat := cfg.StartChat
	if startChat == "" {
		startChat = registry.IDs()[0]
	}

	var names *catalog.Bundle
	if cfg.LocalesDir != "" {
		names, err = catalog.LoadDir(cfg.LocalesDir)
		if err != nil {
			return err
		}
	}

	narrative, err := story.Load(cfg.StoryPath)
	if err != nil {
		return err
	}
	cursor := story.NewCursor(narrative)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	var provider bridge.DataProvider
	if cfg.DataDir != "" {
		provider = fileProvider{root: cfg.DataDir}
	}
	b := bridge.New(cursor, bridge.Options{
		Names:    names,
		Locale:   cfg.Locale,
		Provider: provider,
		Sound:    func(cue string) { log.Printf("sound cue: %s", cue) },
	})

	events := make(chan func(), 64)
	coord, err := coordinator.New(coordinator.Config{
		Cursor:         cursor,
		Bridge:         b,
		Registry:       registry,
		Scheduler:      &loopScheduler{events: events},
		StartChat:      startChat,
		StallThreshold: cfg.StallThreshold,
		Diagnostics:    telemetry.NewEmitter(store),
	})
	if err != nil {
		return err
	}

	ui := &terminalUI{out: os.Stdout, registry: registry, names: names, locale: cfg.Locale}
	ctrl, err := controller.New(controller.Config{
		Coordinator: coord,
		Events:      ui,
		Store:       store,
		Tracer:      otel.Tracer("pocketline"),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readCommands(ctx, os.Stdin, events, ctrl, ui, cancel)

	if err := ctrl.StartSession(ctx); err != nil {
		return err
	}
	resolveFetch(ctx, events, b, provider, coord)

	for {
		select {
		case <-ctx.Done():
			if err := ctrl.SaveState(context.Background()); err != nil {
				log.Printf("save on exit: %v", err)
			}
			return nil
		case fn := <-events:
			fn()
			resolveFetch(ctx, events, b, provider, coord)
			if err := ctrl.SaveState(ctx); err != nil {
				log.Printf("autosave: %v", err)
			}
		}
	}
}

// resolveFetch answers an outstanding external-data request off the run
// loop and funnels the completion back in. A request abandoned by
// navigation in the meantime is discarded by its stale id.
func resolveFetch(ctx context.Context, events chan<- func(), b *bridge.Bridge, provider bridge.DataProvider, coord *coordinator.Coordinator) {
	requestID, key, ok := b.OutstandingRequest()
	if !ok {
		return
	}
	go func() {
		var value string
		var err error
		if provider == nil {
			err = fmt.Errorf("no data provider configured")
		} else {
			value, err = provider.Fetch(ctx, key)
		}
		events <- func() {
			if b.CompleteFetch(requestID, value, err) {
				coord.DataReady(ctx)
			}
		}
	}()
}

// readCommands parses player input and posts transitions onto the run
// loop. It owns no state of its own.
func readCommands(ctx context.Context, in io.Reader, events chan<- func(), ctrl *controller.Controller, ui *terminalUI, quit func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		verb, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		var fn func()
		switch verb {
		case "open":
			chatID := arg
			fn = func() {
				if err := ctrl.OpenChat(ctx, chatID); err != nil {
					ui.errorf("open %s: %v", chatID, err)
				}
			}
		case "close":
			fn = func() { ctrl.CloseChat(ctx) }
		case "read":
			chatID := arg
			fn = func() {
				if err := ctrl.MarkChatRead(ctx, chatID); err != nil {
					ui.errorf("read %s: %v", chatID, err)
				}
			}
		case "reply":
			index, err := strconv.Atoi(arg)
			if err != nil {
				ui.errorf("reply needs a choice number")
				continue
			}
			fn = func() {
				if err := ctrl.Choose(ctx, index); err != nil {
					ui.errorf("reply: %v", err)
				}
			}
		case "reset":
			fn = func() {
				if err := ctrl.ResetGame(ctx); err != nil {
					ui.errorf("reset: %v", err)
				}
			}
		case "quit":
			quit()
			return
		default:
			ui.errorf("commands: open <chat>, close, read <chat>, reply <n>, reset, quit")
			continue
		}

		select {
		case events <- fn:
		case <-ctx.Done():
			return
		}
	}
	quit()
}

// terminalUI renders controller events as plain terminal lines.
type terminalUI struct {
	out      io.Writer
	registry *chat.Registry
	names    *catalog.Bundle
	locale   string
}

func (u *terminalUI) displayName(chatID string) string {
	entry, err := u.registry.Lookup(chatID)
	if err != nil || entry.NameKey == "" {
		return chatID
	}
	if u.names == nil {
		return entry.NameKey
	}
	return u.names.Name(u.locale, entry.NameKey)
}

func (u *terminalUI) errorf(format string, args ...any) {
	fmt.Fprintf(u.out, "! "+format+"\n", args...)
}

func (u *terminalUI) MessageReceived(chatID string, msg chat.Message, active bool) {
	if msg.StatusOnly {
		fmt.Fprintf(u.out, "  [%s is %s]\n", u.displayName(chatID), msg.Content)
		return
	}
	if !active {
		return
	}
	switch msg.Type {
	case chat.MessageSent:
		fmt.Fprintf(u.out, "  you: %s\n", msg.Content)
	case chat.MessageSystem:
		fmt.Fprintf(u.out, "  -- %s --\n", msg.Content)
	default:
		fmt.Fprintf(u.out, "  %s: %s\n", u.displayName(chatID), msg.Content)
	}
}

func (u *terminalUI) Notification(chatID, preview string) {
	fmt.Fprintf(u.out, "* %s: %s\n", u.displayName(chatID), preview)
}

func (u *terminalUI) ChoicesAvailable(chatID string, choices []story.Choice) {
	for _, choice := range choices {
		fmt.Fprintf(u.out, "  [%d] %s\n", choice.Index, choice.Label)
	}
}

func (u *terminalUI) TypingStart(chatID, speaker string) {
	name := speaker
	if u.names != nil {
		name = u.names.Name(u.locale, speaker)
	}
	fmt.Fprintf(u.out, "  %s is typing...\n", name)
}

func (u *terminalUI) TypingEnd(chatID string) {}

func (u *terminalUI) ReceiptChanged(chatID, label string, receipt chat.Receipt) {
	fmt.Fprintf(u.out, "  (%s)\n", receipt)
}

func (u *terminalUI) ChatOpened(chatID string, messages []chat.Message, deferredCount int) {
	fmt.Fprintf(u.out, "-- %s --\n", u.displayName(chatID))
	for _, msg := range messages {
		if msg.StatusOnly {
			continue
		}
		prefix := u.displayName(chatID)
		if msg.Type == chat.MessageSent {
			prefix = "you"
		}
		fmt.Fprintf(u.out, "  %s: %s\n", prefix, msg.Content)
	}
}
