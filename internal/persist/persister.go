// Package persist synchronises the conversation transcript to a
// [conversation.Store] in the background.
//
// A [Persister] observes voice-bot store snapshots. Bursts of new messages
// are batched by a debounce; the first save of a session creates a record and
// later saves update it. The session is identified by student, book and the
// auto-save flag: when any of them changes the tracked record is forgotten
// and the next save creates a new one.
//
// Saves are serialised per session. Every save is tagged with the session
// generation it started in, and its result is discarded if the session was
// reset while it was in flight.
package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/storycircle/internal/observe"
	"github.com/MrWong99/storycircle/internal/voicebot"
	"github.com/MrWong99/storycircle/pkg/conversation"
)

// DefaultDebounce is the quiet period before a save.
const DefaultDebounce = 2 * time.Second

// Option is a functional option for [New].
type Option func(*Persister)

// WithDebounce overrides [DefaultDebounce].
func WithDebounce(d time.Duration) Option {
	return func(p *Persister) {
		if d > 0 {
			p.delay = d
		}
	}
}

// WithOnCreated registers fn to receive the id of every newly created
// record.
func WithOnCreated(fn func(id string)) Option {
	return func(p *Persister) { p.onCreated = fn }
}

// WithMetrics records save counts and latencies to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Persister) { p.metrics = m }
}

// identity is the session key. Modalities deliberately do not take part.
type identity struct {
	studentID string
	bookID    string
	autoSave  bool
}

// Persister is the debounced background saver. All methods are safe for
// concurrent use.
type Persister struct {
	store conversation.Store

	// ctx bounds saves fired by the debounce timer, which have no caller to
	// take a context from. Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	delay     time.Duration
	onCreated func(id string)
	metrics   *observe.Metrics
	debounce  *Debouncer

	mu            sync.Mutex
	ident         identity
	hasIdent      bool
	revision      uint64
	gen           uint64
	recordID      string
	lastSaved     int
	saving        bool
	inflight      chan struct{}
	observedCount int
	latest        []conversation.Message
	latestCount   int
	lastErr       string
}

// New returns a persister writing to store. Background saves run with a
// context derived from ctx; cancelling ctx or calling [Persister.Close] makes
// them fail.
func New(ctx context.Context, store conversation.Store, opts ...Option) *Persister {
	ctx, cancel := context.WithCancel(ctx)
	p := &Persister{
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		delay:  DefaultDebounce,
	}
	for _, o := range opts {
		o(p)
	}
	p.debounce = NewDebouncer(p.delay)
	return p
}

// Observe feeds one store snapshot to the persister. It is meant to be
// registered with [voicebot.Store.Subscribe]. Snapshots that are not newer
// than the last one observed are ignored, so a delayed notification never
// rolls the transcript back.
func (p *Persister) Observe(snap voicebot.Snapshot) {
	id := identity{
		studentID: snap.Config.StudentID,
		bookID:    snap.Config.BookID,
		autoSave:  snap.Config.AutoSave,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hasIdent && snap.Revision <= p.revision {
		return
	}
	p.revision = snap.Revision

	if !p.hasIdent || id != p.ident {
		if p.hasIdent {
			observe.Logger(p.ctx).Info("persist: session identity changed, starting new session",
				"student_id", id.studentID, "book_id", id.bookID, "auto_save", id.autoSave)
		}
		p.ident = id
		p.hasIdent = true
		p.resetLocked()
		p.observedCount = snap.MessageCount
	}

	p.latest = snap.Messages
	p.latestCount = snap.MessageCount
	if snap.MessageCount == p.observedCount {
		return
	}
	p.observedCount = snap.MessageCount
	if p.eligibleLocked() {
		p.debounce.Trigger(p.fire)
	}
}

// ResetSession forgets the tracked record so the next save creates a new
// one. Pending saves are cancelled.
func (p *Persister) ResetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

// Adopt continues an existing record: the next save updates id, and only
// once more than count messages are present.
func (p *Persister) Adopt(id string, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordID = id
	p.lastSaved = count
}

// RecordID returns the id of the record of the current session, or "" before
// the first successful create.
func (p *Persister) RecordID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordID
}

// LastSaved returns the message count covered by the last successful save.
func (p *Persister) LastSaved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSaved
}

// Saving reports whether a save is in flight.
func (p *Persister) Saving() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saving
}

// LastError returns the message of the last failed save, cleared by the next
// successful one.
func (p *Persister) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Flush saves unsaved messages now instead of waiting for the debounce. It
// waits for an in-flight save of the current session first.
func (p *Persister) Flush(ctx context.Context) error {
	p.debounce.Cancel()
	for {
		p.mu.Lock()
		if p.saving {
			ch := p.inflight
			p.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return fmt.Errorf("persist: flush: %w", ctx.Err())
			}
		}
		if !p.eligibleLocked() {
			p.mu.Unlock()
			return nil
		}
		job := p.beginLocked()
		p.mu.Unlock()
		return p.run(ctx, job)
	}
}

// Close cancels any pending save, disables further debounced saves and
// cancels the context of a save in flight. Call [Persister.Flush] first to
// keep unsaved messages.
func (p *Persister) Close() {
	p.debounce.Stop()
	p.cancel()
}

// job is one save with everything captured at its start.
type job struct {
	gen      uint64
	recordID string
	ident    identity
	messages []conversation.Message
	count    int
	done     chan struct{}
}

func (p *Persister) fire() {
	p.mu.Lock()
	if !p.eligibleLocked() {
		p.mu.Unlock()
		return
	}
	j := p.beginLocked()
	p.mu.Unlock()
	_ = p.run(p.ctx, j)
}

// eligibleLocked is the save gate.
func (p *Persister) eligibleLocked() bool {
	return p.ident.autoSave &&
		p.ident.studentID != "" &&
		p.ident.bookID != "" &&
		p.latestCount >= 1 &&
		p.latestCount > p.lastSaved &&
		!p.saving
}

func (p *Persister) beginLocked() job {
	done := make(chan struct{})
	p.saving = true
	p.inflight = done
	return job{
		gen:      p.gen,
		recordID: p.recordID,
		ident:    p.ident,
		messages: conversation.ConversationOnly(p.latest),
		count:    p.latestCount,
		done:     done,
	}
}

func (p *Persister) resetLocked() {
	p.gen++
	p.recordID = ""
	p.lastSaved = 0
	p.saving = false
	p.lastErr = ""
	p.debounce.Cancel()
}

func (p *Persister) run(ctx context.Context, j job) error {
	defer close(j.done)

	newID, err := p.save(ctx, j)

	p.mu.Lock()
	if p.gen != j.gen {
		p.mu.Unlock()
		observe.Logger(ctx).Info("persist: discarding result of a save from a previous session",
			"book_id", j.ident.bookID, "err", err)
		return nil
	}
	p.saving = false
	if err != nil {
		p.lastErr = err.Error()
		p.mu.Unlock()
		observe.Logger(ctx).Warn("persist: save failed", "book_id", j.ident.bookID, "err", err)
		return err
	}
	p.lastErr = ""
	created := j.recordID == ""
	if created {
		p.recordID = newID
	}
	p.lastSaved = j.count
	if p.eligibleLocked() {
		// Messages arrived during the save.
		p.debounce.Trigger(p.fire)
	}
	p.mu.Unlock()

	if created && p.onCreated != nil {
		p.onCreated(newID)
	}
	return nil
}

func (p *Persister) save(ctx context.Context, j job) (string, error) {
	op := "update"
	if j.recordID == "" {
		op = "create"
	}
	ctx = observe.WithSession(ctx, j.ident.studentID, j.ident.bookID)
	ctx, span := observe.StartSpan(ctx, "persist.save", trace.WithAttributes(
		attribute.String("op", op),
		attribute.Int("messages", len(j.messages)),
	))
	defer span.End()
	start := time.Now()

	var (
		id  = j.recordID
		err error
	)
	if op == "create" {
		id, err = p.store.Create(ctx, conversation.NewRecord{
			StudentID: j.ident.studentID,
			BookID:    j.ident.bookID,
			Messages:  j.messages,
		})
	} else {
		err = p.store.Update(ctx, j.recordID, j.messages)
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		err = fmt.Errorf("persist: %s: %w", op, err)
	}
	if p.metrics != nil {
		p.metrics.RecordSave(ctx, op, status, time.Since(start))
	}
	return id, err
}
