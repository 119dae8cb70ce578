// Package voicebot holds the conversational state of one reading-companion
// screen: the bot's status, the inactivity sleep timer, the transcript and the
// persistence target.
//
// [Store] is the single source of truth for that state. It is mutated only
// through its action methods; readers take deep copies via [Store.Snapshot] or
// subscribe with [Store.Subscribe] to be notified after every effective
// action.
package voicebot

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/storycircle/pkg/conversation"
)

// Status is the bot's conversational status.
type Status int

const (
	StatusListening Status = iota
	StatusThinking
	StatusSpeaking
	StatusSleeping
	StatusNone
)

// String returns the upper-case status name.
func (s Status) String() string {
	switch s {
	case StatusListening:
		return "LISTENING"
	case StatusThinking:
		return "THINKING"
	case StatusSpeaking:
		return "SPEAKING"
	case StatusSleeping:
		return "SLEEPING"
	case StatusNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// DefaultSleepAfter is the inactivity threshold after which the bot falls
// asleep.
const DefaultSleepAfter = 30 * time.Second

// ConversationConfig identifies the persistence target of the conversation.
type ConversationConfig struct {
	StudentID  string
	BookID     string
	AutoSave   bool
	Modalities []string
}

// Equal reports whether every field of c equals the corresponding field of o.
func (c ConversationConfig) Equal(o ConversationConfig) bool {
	return c.StudentID == o.StudentID &&
		c.BookID == o.BookID &&
		c.AutoSave == o.AutoSave &&
		slices.Equal(c.Modalities, o.Modalities)
}

// Snapshot is a point-in-time copy of the store state. Slices are owned by the
// snapshot.
type Snapshot struct {
	// Revision increases with every effective action. Listeners may receive
	// snapshots out of order when actions run on different goroutines; the
	// higher revision is the newer state.
	Revision uint64

	Status            Status
	SleepTimer        int
	Messages          []conversation.Message
	MessageCount      int
	Config            ConversationConfig
	ConversationID    string
	AwaitingUserVoice bool
}

// Option is a functional option for [New].
type Option func(*Store)

// WithSleepAfter sets the inactivity threshold. The timer counts ticks of one
// second, so d is truncated to whole seconds.
func WithSleepAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sleepAfter = int(d / time.Second)
		}
	}
}

// WithTransitionHook registers fn to be called with the new status on every
// status change. It is used for metrics.
func WithTransitionHook(fn func(Status)) Option {
	return func(s *Store) { s.onTransition = fn }
}

// Store is the voice-bot state store. All methods are safe for concurrent use.
type Store struct {
	sleepAfter   int
	onTransition func(Status)

	mu                sync.Mutex
	status            Status
	sleepTimer        int
	messages          []conversation.Message
	messageCount      int
	config            ConversationConfig
	conversationID    string
	awaitingUserVoice bool
	configSet         bool
	revision          uint64

	listenerSeq uint64
	listeners   map[uint64]func(Snapshot)

	stopOnce sync.Once
	done     chan struct{}
}

// New returns a store in its initial state: SPEAKING, so the companion opens
// the conversation with a greeting.
func New(opts ...Option) *Store {
	s := &Store{
		sleepAfter: int(DefaultSleepAfter / time.Second),
		status:     StatusSpeaking,
		listeners:  make(map[uint64]func(Snapshot)),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ── Status transitions ───────────────────────────────────────────────────────

// StartListening moves to LISTENING and resets the sleep timer. While
// sleeping the call is ignored unless wake is true.
func (s *Store) StartListening(wake bool) {
	s.dispatch(func() bool {
		if s.status == StatusSleeping && !wake {
			return false
		}
		s.setStatus(StatusListening)
		s.sleepTimer = 0
		return true
	})
}

// StartSpeaking moves to SPEAKING and resets the sleep timer. While sleeping
// the call is ignored unless wake is true.
func (s *Store) StartSpeaking(wake bool) {
	s.dispatch(func() bool {
		if s.status == StatusSleeping && !wake {
			return false
		}
		s.setStatus(StatusSpeaking)
		s.sleepTimer = 0
		return true
	})
}

// StartThinking moves to THINKING. It is ignored while sleeping and leaves
// the sleep timer untouched.
func (s *Store) StartThinking() {
	s.dispatch(func() bool {
		if s.status == StatusSleeping {
			return false
		}
		s.setStatus(StatusThinking)
		return true
	})
}

// StartSleeping moves to SLEEPING unconditionally and marks that the next
// wake must hear the child before any bot audio plays.
func (s *Store) StartSleeping() {
	s.dispatch(func() bool {
		s.sleep()
		return true
	})
}

// ToggleSleep wakes into LISTENING when sleeping and falls asleep otherwise.
func (s *Store) ToggleSleep() {
	s.dispatch(func() bool {
		if s.status == StatusSleeping {
			s.setStatus(StatusListening)
			s.sleepTimer = 0
			return true
		}
		s.sleep()
		return true
	})
}

// Tick advances the sleep timer by one second and falls asleep once the timer
// exceeds the threshold. While already sleeping the timer still advances but
// listeners are not notified.
func (s *Store) Tick() {
	s.dispatch(func() bool {
		s.sleepTimer++
		if s.status == StatusSleeping {
			return false
		}
		if s.sleepTimer > s.sleepAfter {
			slog.Debug("voicebot: inactivity threshold reached", "timer", s.sleepTimer)
			s.sleep()
		}
		return true
	})
}

// Run calls [Store.Tick] once per second until ctx is done or [Store.Stop] is
// called.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Stop ends [Store.Run] and drops all listeners. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.listeners = make(map[uint64]func(Snapshot))
		s.mu.Unlock()
	})
}

// NoteUserVoice records that the child has been heard, clearing the
// post-wake awaiting flag.
func (s *Store) NoteUserVoice() {
	s.dispatch(func() bool {
		if !s.awaitingUserVoice {
			return false
		}
		s.awaitingUserVoice = false
		return true
	})
}

// AwaitingUserVoice reports whether the bot has slept and not yet heard the
// child since. Audio playback should hold bot audio while this is true.
func (s *Store) AwaitingUserVoice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingUserVoice
}

// ── Messages ─────────────────────────────────────────────────────────────────

// AddMessage appends m and increments the message count.
func (s *Store) AddMessage(m conversation.Message) {
	s.dispatch(func() bool {
		s.messages = append(s.messages, m)
		s.messageCount++
		return true
	})
}

// ClearMessages empties the transcript and resets the count. Status and the
// sleep timer are unaffected.
func (s *Store) ClearMessages() {
	s.dispatch(func() bool {
		s.messages = nil
		s.messageCount = 0
		return true
	})
}

// LoadMessages replaces the transcript with msgs, setting the count to
// len(msgs). It is used to resume a stored conversation.
func (s *Store) LoadMessages(msgs []conversation.Message) {
	s.dispatch(func() bool {
		s.messages = slices.Clone(msgs)
		s.messageCount = len(msgs)
		return true
	})
}

// DisplayOrder returns the current transcript merged for display.
func (s *Store) DisplayOrder() []conversation.Message {
	s.mu.Lock()
	msgs := slices.Clone(s.messages)
	s.mu.Unlock()
	return DisplayOrder(msgs)
}

// ── Config ───────────────────────────────────────────────────────────────────

// SetConversationConfig replaces the persistence target. Identical configs
// are ignored so downstream session tracking is not reset needlessly.
func (s *Store) SetConversationConfig(cfg ConversationConfig) {
	cfg.Modalities = slices.Clone(cfg.Modalities)
	s.dispatch(func() bool {
		if s.configSet && s.config.Equal(cfg) {
			return false
		}
		s.config = cfg
		s.configSet = true
		slog.Info("voicebot: new conversation session",
			"student_id", cfg.StudentID,
			"book_id", cfg.BookID,
			"auto_save", cfg.AutoSave,
		)
		return true
	})
}

// SetConversationID records the id of the persisted record. An empty id
// clears it.
func (s *Store) SetConversationID(id string) {
	s.dispatch(func() bool {
		if s.conversationID == id {
			return false
		}
		s.conversationID = id
		return true
	})
}

// ── Observation ──────────────────────────────────────────────────────────────

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Status returns the current status.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe registers fn to be called with a snapshot after every effective
// action. Listeners run on the goroutine that performed the action, after the
// store lock is released. The returned function removes the listener.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerSeq++
	id := s.listenerSeq
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// ── internals ────────────────────────────────────────────────────────────────

// dispatch runs action under the lock and, if it changed state, notifies
// listeners with a snapshot taken inside the same critical section.
func (s *Store) dispatch(action func() bool) {
	s.mu.Lock()
	prev := s.status
	if !action() {
		s.mu.Unlock()
		return
	}
	s.revision++
	snap := s.snapshotLocked()
	ls := make([]func(Snapshot), 0, len(s.listeners))
	for _, id := range sortedIDs(s.listeners) {
		ls = append(ls, s.listeners[id])
	}
	hook := s.onTransition
	s.mu.Unlock()

	if hook != nil && snap.Status != prev {
		hook(snap.Status)
	}
	for _, fn := range ls {
		fn(snap)
	}
}

func (s *Store) setStatus(st Status) {
	s.status = st
}

func (s *Store) sleep() {
	s.setStatus(StatusSleeping)
	s.awaitingUserVoice = true
}

func (s *Store) snapshotLocked() Snapshot {
	cfg := s.config
	cfg.Modalities = slices.Clone(cfg.Modalities)
	return Snapshot{
		Revision:          s.revision,
		Status:            s.status,
		SleepTimer:        s.sleepTimer,
		Messages:          slices.Clone(s.messages),
		MessageCount:      s.messageCount,
		Config:            cfg,
		ConversationID:    s.conversationID,
		AwaitingUserVoice: s.awaitingUserVoice,
	}
}

func sortedIDs(m map[uint64]func(Snapshot)) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
