// Package app wires the subsystems of one reading-companion conversation
// screen into a running application.
//
// The App struct owns the full lifecycle: New builds the voice-bot store, the
// connection manager, the event router and the persister and connects them,
// Run drives the sleep timer and the initial auto-connect, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithTransport,
// WithConversationStore, WithSignaler). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/storycircle/internal/config"
	"github.com/MrWong99/storycircle/internal/connection"
	"github.com/MrWong99/storycircle/internal/health"
	"github.com/MrWong99/storycircle/internal/observe"
	"github.com/MrWong99/storycircle/internal/persist"
	"github.com/MrWong99/storycircle/internal/router"
	"github.com/MrWong99/storycircle/internal/voicebot"
	"github.com/MrWong99/storycircle/pkg/conversation"
	"github.com/MrWong99/storycircle/pkg/conversation/memstore"
	"github.com/MrWong99/storycircle/pkg/conversation/postgres"
	"github.com/MrWong99/storycircle/pkg/transport"
	"github.com/MrWong99/storycircle/pkg/transport/ws"
)

// ErrNotConnected is reported by the session readiness check while an
// auto-connecting session is down.
var ErrNotConnected = errors.New("app: session not connected")

// App owns all subsystem lifetimes of one conversation screen.
type App struct {
	cfg *config.Config

	transport     transport.Transport
	conversations conversation.Store
	signaler      connection.Signaler
	metrics       *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store     *voicebot.Store
	manager   *connection.Manager
	router    *router.Router
	persister *persist.Persister
	auto      *connection.AutoConnector

	mu      sync.Mutex
	session config.SessionConfig

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport injects a transport instead of creating a WebSocket one.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithConversationStore injects a conversation store instead of creating one
// from config.
func WithConversationStore(s conversation.Store) Option {
	return func(a *App) { a.conversations = s }
}

// WithSignaler injects a broker client instead of creating one from config.
func WithSignaler(s connection.Signaler) Option {
	return func(a *App) { a.signaler = s }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The router is bound
// to the transport and the persister observes the store before New returns.
// With persistence.resume set, the last stored conversation of the student
// and book is loaded and continued.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		session: cfg.Session,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Conversation store ────────────────────────────────────────────
	if err := a.initConversations(ctx); err != nil {
		return nil, fmt.Errorf("app: init conversations: %w", err)
	}

	// ── 2. Transport + connection manager ────────────────────────────────
	if a.transport == nil {
		a.transport = ws.New()
	}
	if a.signaler == nil && cfg.Transport.ProxyBase != "" {
		a.signaler = connection.NewBrokerClient(cfg.Transport.ProxyBase, nil)
	}
	mopts := []connection.Option{
		connection.WithDirectURL(cfg.Transport.DirectURL),
		connection.WithMetrics(a.metrics),
	}
	if a.signaler != nil {
		mopts = append(mopts, connection.WithSignaler(a.signaler))
	}
	if d := cfg.Transport.SettleDelay; d > 0 {
		mopts = append(mopts, connection.WithSettleDelay(d))
	}
	a.manager = connection.New(a.transport, mopts...)
	a.auto = connection.NewAutoConnector(a.manager)

	// ── 3. Voice-bot store ───────────────────────────────────────────────
	a.store = voicebot.New(
		voicebot.WithSleepAfter(cfg.VoiceBot.SleepAfter),
		voicebot.WithTransitionHook(func(s voicebot.Status) {
			a.metrics.RecordTransition(context.Background(), s.String())
		}),
	)

	// ── 4. Router ────────────────────────────────────────────────────────
	a.router = router.New(a.store, a.manager,
		router.WithLanguage(cfg.Transport.Language),
		router.WithMetrics(a.metrics),
	)
	a.router.Bind(ctx, a.transport)

	// ── 5. Persister ─────────────────────────────────────────────────────
	a.persister = persist.New(context.WithoutCancel(ctx), a.conversations,
		persist.WithDebounce(cfg.Persistence.Debounce),
		persist.WithOnCreated(a.store.SetConversationID),
		persist.WithMetrics(a.metrics),
	)
	unsubscribe := a.store.Subscribe(a.persister.Observe)
	a.closers = append(a.closers, func() error {
		unsubscribe()
		a.persister.Close()
		return nil
	})

	a.store.SetConversationConfig(a.conversationConfig(cfg.Session))

	// ── 6. Resume ────────────────────────────────────────────────────────
	if cfg.Persistence.Resume {
		if err := a.resume(ctx); err != nil {
			_ = a.runClosers()
			return nil, fmt.Errorf("app: resume: %w", err)
		}
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initConversations sets up the PostgreSQL store, an in-memory store, or the
// injected one.
func (a *App) initConversations(ctx context.Context) error {
	if a.conversations != nil {
		return nil
	}
	dsn := a.cfg.Persistence.PostgresDSN
	if dsn == "" {
		slog.Info("app: using in-memory conversation store")
		a.conversations = memstore.New()
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.conversations = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// resume loads the last conversation of the configured student and book and
// continues its record.
func (a *App) resume(ctx context.Context) error {
	s := a.cfg.Session
	rec, err := a.conversations.LastByStudentAndBook(ctx, s.StudentID, s.BookID)
	if errors.Is(err, conversation.ErrNotFound) {
		slog.Info("app: nothing to resume", "student_id", s.StudentID, "book_id", s.BookID)
		return nil
	}
	if err != nil {
		return err
	}

	// Adopt before loading so the loaded transcript is not saved again.
	a.persister.Adopt(rec.ID, len(rec.Messages))
	a.store.LoadMessages(rec.Messages)
	a.store.SetConversationID(rec.ID)
	slog.Info("app: resumed conversation", "id", rec.ID, "messages", len(rec.Messages))
	return nil
}

// conversationConfig derives the persistence target of s.
func (a *App) conversationConfig(s config.SessionConfig) voicebot.ConversationConfig {
	return voicebot.ConversationConfig{
		StudentID:  s.StudentID,
		BookID:     s.BookID,
		AutoSave:   a.cfg.Persistence.AutoSave,
		Modalities: s.Modalities,
	}
}

// params builds the connect parameters of s.
func (a *App) params(s config.SessionConfig) connection.Params {
	return connection.Params{
		Kind:            a.cfg.Transport.Kind,
		SessionConfig:   s.Config,
		StudentID:       s.StudentID,
		BookID:          s.BookID,
		BookTitle:       s.BookTitle,
		Chapter:         s.Chapter,
		PreviousChapter: s.PreviousChapter,
		CharacterName:   s.CharacterName,
		PromptID:        s.PromptID,
		SectionType:     s.SectionType,
		Modalities:      s.Modalities,
		HandoffModality: s.HandoffModality,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Store returns the voice-bot state store.
func (a *App) Store() *voicebot.Store { return a.store }

// Manager returns the connection manager.
func (a *App) Manager() *connection.Manager { return a.manager }

// Router returns the event router.
func (a *App) Router() *router.Router { return a.router }

// Persister returns the conversation persister.
func (a *App) Persister() *persist.Persister { return a.persister }

// ShouldPlayBotAudio reports whether bot audio may be played. After the bot
// fell asleep its audio is held until the child has been heard again.
func (a *App) ShouldPlayBotAudio() bool {
	return !a.store.AwaitingUserVoice()
}

// Checkers returns the readiness checks of the app: the conversation store
// when it can be pinged, and the session when it is expected to be
// connected.
func (a *App) Checkers() []health.Checker {
	var cs []health.Checker
	if p, ok := a.conversations.(health.Pinger); ok {
		cs = append(cs, health.PingCheck("conversations", p))
	}
	cs = append(cs, health.Checker{Name: "session", Check: func(context.Context) error {
		a.mu.Lock()
		want := a.session.AutoConnect
		a.mu.Unlock()
		if want && !a.manager.Status().Connected {
			return ErrNotConnected
		}
		return nil
	}})
	return cs
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run performs the initial auto-connect and drives the sleep timer until ctx
// is cancelled. A failed connect is logged; it does not stop the app.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	if err := a.auto.Update(ctx, a.params(s), s.AutoConnect); err != nil {
		slog.Warn("app: initial connect failed", "err", err)
	}
	a.store.Run(ctx)
	return nil
}

// UpdateSession applies a changed session. Unsaved messages of the old
// conversation are flushed first. A change of student or book starts a fresh
// transcript; a change of the connection signature reconnects. The returned
// error is the connect error, if a connect was attempted.
func (a *App) UpdateSession(ctx context.Context, s config.SessionConfig) error {
	a.mu.Lock()
	old := a.session
	a.session = s
	a.mu.Unlock()

	newConversation := old.StudentID != s.StudentID || old.BookID != s.BookID
	if newConversation {
		if err := a.persister.Flush(ctx); err != nil {
			slog.Warn("app: flush before session change failed", "err", err)
		}
	}

	a.store.SetConversationConfig(a.conversationConfig(s))
	if newConversation {
		a.store.ClearMessages()
		a.store.SetConversationID("")
	}

	return a.auto.Update(ctx, a.params(s), s.AutoConnect)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown flushes unsaved messages while disconnecting, then releases the
// router, the store and the remaining subsystems. It is safe to call more than
// once; only the first call has an effect. The returned error is the flush
// error or the context error if ctx expired first.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		var g errgroup.Group
		g.Go(func() error { return a.persister.Flush(ctx) })
		g.Go(func() error {
			a.auto.Close(ctx)
			return nil
		})
		if err := g.Wait(); err != nil {
			slog.Warn("app: final flush failed", "err", err)
			shutdownErr = err
		}

		a.router.Unbind()
		a.store.Stop()

		if err := a.runClosers(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		if err := ctx.Err(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("app: closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
