// Package router translates transport events into voice-bot store actions.
//
// A [Router] is bound to one transport instance at a time. Binding subscribes
// a handler for every event type and keeps the returned unsubscribe
// functions; rebinding to another instance or calling [Router.Unbind]
// releases exactly those handles. Once Unbind returns no handler of the old
// binding is running or will run.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/storycircle/internal/observe"
	"github.com/MrWong99/storycircle/internal/voicebot"
	"github.com/MrWong99/storycircle/pkg/conversation"
	"github.com/MrWong99/storycircle/pkg/transport"
)

// Connection is the part of the connection manager the router drives.
type Connection interface {
	MarkConnected()
	MarkDisconnected()
	SendMessage(ctx context.Context, msgType string, payload any)
}

// Option is a functional option for [New].
type Option func(*Router)

// WithLanguage makes the router declare lang to the bot once it is ready.
// An empty lang sends nothing.
func WithLanguage(lang string) Option {
	return func(r *Router) { r.language = lang }
}

// WithMetrics records every received event and appended message to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router maps transport events to store actions. All methods are safe for
// concurrent use.
type Router struct {
	store    *voicebot.Store
	conn     Connection
	language string
	metrics  *observe.Metrics

	// handling is held for reading by every running handler and for writing
	// by Bind and Unbind, so releasing a binding waits for its handlers.
	handling sync.RWMutex

	mu          sync.Mutex
	ctx         context.Context
	bound       transport.Transport
	unsubs      []func()
	gen         uint64
	micActive   bool
	botSpeaking bool
	partial     string
}

// New returns an unbound router feeding store and conn.
func New(store *voicebot.Store, conn Connection, opts ...Option) *Router {
	r := &Router{store: store, conn: conn}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Bind subscribes to every event of t. Binding the instance that is already
// bound is a no-op; binding a different instance releases the old handles
// first. ctx is used for messages sent in response to events.
func (r *Router) Bind(ctx context.Context, t transport.Transport) {
	r.handling.Lock()
	defer r.handling.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound == t {
		return
	}
	r.releaseLocked()

	r.gen++
	gen := r.gen
	r.ctx = ctx
	r.bound = t
	for _, et := range transport.AllEvents {
		r.unsubs = append(r.unsubs, t.On(et, r.handler(gen)))
	}
	slog.Debug("router: bound transport", "handlers", len(r.unsubs))
}

// Unbind releases every handle of the current binding and waits for running
// handlers to finish.
func (r *Router) Unbind() {
	r.handling.Lock()
	defer r.handling.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked()
	r.gen++
	r.bound = nil
}

// Bound reports whether a transport is bound.
func (r *Router) Bound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bound != nil
}

// MicActive reports whether the child is currently speaking.
func (r *Router) MicActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.micActive
}

// BotSpeaking reports whether the bot is currently speaking.
func (r *Router) BotSpeaking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.botSpeaking
}

// PartialTranscript returns the latest non-final user transcript, cleared
// when the final one arrives.
func (r *Router) PartialTranscript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partial
}

func (r *Router) releaseLocked() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

// handler returns the event handler for binding gen. Events delivered after
// the binding was released are dropped.
func (r *Router) handler(gen uint64) transport.Handler {
	return func(ev transport.Event) {
		r.handling.RLock()
		defer r.handling.RUnlock()

		r.mu.Lock()
		live := r.gen == gen && r.bound != nil
		ctx := r.ctx
		r.mu.Unlock()
		if !live {
			return
		}
		r.handle(ctx, ev)
	}
}

func (r *Router) handle(ctx context.Context, ev transport.Event) {
	if r.metrics != nil {
		r.metrics.RecordTransportEvent(ctx, ev.Type.String())
	}

	switch ev.Type {
	case transport.EventConnected:
		r.conn.MarkConnected()

	case transport.EventDisconnected:
		r.conn.MarkDisconnected()
		r.mu.Lock()
		r.micActive, r.botSpeaking, r.partial = false, false, ""
		r.mu.Unlock()

	case transport.EventBotReady:
		if r.language != "" {
			r.conn.SendMessage(ctx, "set-language", map[string]string{"language": r.language})
		}

	case transport.EventUserStartedSpeaking:
		r.setMic(true)
		r.store.NoteUserVoice()

	case transport.EventUserStoppedSpeaking:
		r.setMic(false)

	case transport.EventBotStartedSpeaking:
		r.setBotSpeaking(true)
		r.store.StartSpeaking(false)

	case transport.EventBotStoppedSpeaking:
		r.setBotSpeaking(false)

	case transport.EventUserTranscript:
		if !ev.Final {
			r.mu.Lock()
			r.partial = ev.Text
			r.mu.Unlock()
			return
		}
		r.mu.Lock()
		r.partial = ""
		r.mu.Unlock()
		if strings.TrimSpace(ev.Text) == "" {
			slog.Debug("router: dropping empty user transcript")
			return
		}
		r.addMessage(ctx, conversation.User(ev.Text))
		r.store.StartListening(false)

	case transport.EventBotTranscript:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		r.addMessage(ctx, conversation.Assistant(ev.Text))
	}
}

func (r *Router) addMessage(ctx context.Context, m conversation.Message) {
	r.store.AddMessage(m)
	if r.metrics != nil {
		r.metrics.RecordMessage(ctx, m.Kind.String())
	}
}

func (r *Router) setMic(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.micActive = on
}

func (r *Router) setBotSpeaking(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.botSpeaking = on
}
