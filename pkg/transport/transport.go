// Package transport defines the real-time voice transport contract used by a
// reading-companion conversation.
//
// A [Transport] carries one live audio session between the child and the
// voice bot. It is opened with a [Target] (an endpoint URL plus optional
// access token), reports its [State], accepts control messages via
// [Transport.SendMessage] and publishes [Event] values to subscribers
// registered with [Transport.On].
//
// Subscription follows a subscribe-returns-unsubscribe contract: every call to
// On returns a function that removes exactly that handler. [Emitter] provides
// a reusable implementation for transport adapters.
//
// Adapters live in sub-packages (ws). The mock sub-package provides a
// recording fake for tests.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotReady is returned by adapters when a message is sent before the
	// bot has reported ready.
	ErrNotReady = errors.New("transport: not ready")

	// ErrClosed is returned when operating on a closed transport or track.
	ErrClosed = errors.New("transport: closed")
)

// State is the transport-reported connection state.
type State int

const (
	// StateDisconnected is the initial state and the state after Disconnect.
	StateDisconnected State = iota

	// StateConnecting is reported while the session is being established.
	StateConnecting

	// StateConnected is reported once the media session is up but before the
	// bot has signalled it is ready for conversation.
	StateConnected

	// StateReady is reported once the bot is ready. Only in this state are
	// control messages delivered.
	StateReady

	// StateDisconnecting is reported while the session is being torn down.
	StateDisconnecting

	// StateError is reported after an unrecoverable transport failure.
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType classifies the events a [Transport] publishes.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventBotReady
	EventUserStartedSpeaking
	EventUserStoppedSpeaking
	EventBotStartedSpeaking
	EventBotStoppedSpeaking
	EventUserTranscript
	EventBotTranscript
)

// AllEvents lists every event type in declaration order.
var AllEvents = []EventType{
	EventConnected,
	EventDisconnected,
	EventBotReady,
	EventUserStartedSpeaking,
	EventUserStoppedSpeaking,
	EventBotStartedSpeaking,
	EventBotStoppedSpeaking,
	EventUserTranscript,
	EventBotTranscript,
}

// String returns the wire name of the event type.
func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventBotReady:
		return "bot-ready"
	case EventUserStartedSpeaking:
		return "user-started-speaking"
	case EventUserStoppedSpeaking:
		return "user-stopped-speaking"
	case EventBotStartedSpeaking:
		return "bot-started-speaking"
	case EventBotStoppedSpeaking:
		return "bot-stopped-speaking"
	case EventUserTranscript:
		return "user-transcript"
	case EventBotTranscript:
		return "bot-transcript"
	default:
		return "unknown"
	}
}

// Event is a single transport notification.
type Event struct {
	// Type identifies the event.
	Type EventType

	// Text is the transcript text for EventUserTranscript and
	// EventBotTranscript. Empty otherwise.
	Text string

	// Final is true for a final (not partial) user transcript.
	Final bool
}

// Handler receives events. Handlers may be invoked from a transport-owned
// goroutine and must not block for long.
type Handler func(Event)

// Target tells a transport where to connect.
type Target struct {
	// URL is the session endpoint: a broker-issued room URL or a directly
	// built bot URL.
	URL string

	// Token is an optional access token issued by the broker.
	Token string
}

// TrackKind is the media kind of a [Track].
type TrackKind string

// TrackAudio is the only media kind used by voice conversations.
const TrackAudio TrackKind = "audio"

// Direction tells whether a [Track] is the child's microphone or the bot's
// voice.
type Direction string

const (
	DirectionLocal Direction = "local"
	DirectionBot   Direction = "bot"
)

// Track is a media track held by a transport.
type Track interface {
	// Kind reports the media kind.
	Kind() TrackKind

	// Direction reports whether this is the local or the bot track.
	Direction() Direction

	// Stop releases the track. Stopping an already stopped track is a
	// no-op.
	Stop() error
}

// Transport is a real-time voice session.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// State returns the current transport-reported state.
	State() State

	// Connect opens a session to target. It returns once the session is
	// established; readiness of the bot is reported later via EventBotReady.
	Connect(ctx context.Context, target Target) error

	// Disconnect closes the session. It is safe to call on a session that is
	// not connected.
	Disconnect(ctx context.Context) error

	// SendMessage delivers a control message to the bot.
	SendMessage(ctx context.Context, msgType string, payload any) error

	// On registers h for events of type et and returns a function that
	// removes the registration. The returned function is idempotent.
	On(et EventType, h Handler) (unsubscribe func())

	// Tracks returns the media tracks currently held by the session.
	Tracks() []Track
}
