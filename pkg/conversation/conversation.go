// Package conversation defines the transcript message model and the storage
// contract used to persist a reading-companion conversation.
//
// A conversation is an ordered list of [Message] values. User and assistant
// turns are the conversational content; latency entries are telemetry that
// is shown next to the transcript but never written to a [Store].
//
// Implementations of [Store] live in sub-packages (postgres, memstore). The
// mock sub-package provides a recording fake for tests.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by [Store.LastByStudentAndBook] when no record exists
// for the given student and book, and by [Store.Update] for an unknown id.
var ErrNotFound = errors.New("conversation: not found")

// Kind discriminates the variants of a [Message].
type Kind int

const (
	// KindUser is a final transcript of something the child said.
	KindUser Kind = iota

	// KindAssistant is a transcript of something the companion said.
	KindAssistant

	// KindLatency is a per-turn latency measurement. Telemetry only.
	KindLatency
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindAssistant:
		return "assistant"
	case KindLatency:
		return "latency"
	default:
		return "unknown"
	}
}

// Latency holds the timing breakdown of one bot turn. All values are in
// milliseconds as reported by the voice pipeline.
type Latency struct {
	Total float64 `json:"total_latency"`
	TTS   float64 `json:"tts_latency"`
	TTT   float64 `json:"ttt_latency"`
}

// Message is one transcript entry. Exactly one of the variants is populated,
// selected by Kind. Use [User], [Assistant] and [LatencyMessage] to build one.
type Message struct {
	Kind    Kind
	Text    string
	Latency Latency
}

// User returns a user message carrying text.
func User(text string) Message { return Message{Kind: KindUser, Text: text} }

// Assistant returns an assistant message carrying text.
func Assistant(text string) Message { return Message{Kind: KindAssistant, Text: text} }

// LatencyMessage returns a telemetry message.
func LatencyMessage(l Latency) Message { return Message{Kind: KindLatency, Latency: l} }

// IsConversation reports whether m is a user or assistant turn.
func (m Message) IsConversation() bool {
	return m.Kind == KindUser || m.Kind == KindAssistant
}

// MarshalJSON encodes m in its wire shape: {"user": ...}, {"assistant": ...}
// or the flat latency object.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindUser:
		return json.Marshal(struct {
			User string `json:"user"`
		}{m.Text})
	case KindAssistant:
		return json.Marshal(struct {
			Assistant string `json:"assistant"`
		}{m.Text})
	case KindLatency:
		return json.Marshal(m.Latency)
	default:
		return nil, fmt.Errorf("conversation: marshal message: unknown kind %d", m.Kind)
	}
}

// UnmarshalJSON decodes any of the three wire shapes.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("conversation: unmarshal message: %w", err)
	}
	if v, ok := raw["user"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("conversation: unmarshal user message: %w", err)
		}
		*m = User(s)
		return nil
	}
	if v, ok := raw["assistant"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("conversation: unmarshal assistant message: %w", err)
		}
		*m = Assistant(s)
		return nil
	}
	if _, ok := raw["total_latency"]; ok {
		var l Latency
		if err := json.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("conversation: unmarshal latency message: %w", err)
		}
		*m = LatencyMessage(l)
		return nil
	}
	return errors.New("conversation: unmarshal message: unrecognised shape")
}

// ConversationOnly returns the user and assistant messages of msgs in their
// original order. The input slice is not modified.
func ConversationOnly(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsConversation() {
			out = append(out, m)
		}
	}
	return out
}

// NewRecord is the payload of [Store.Create].
type NewRecord struct {
	StudentID string
	BookID    string
	Messages  []Message
}

// Record is a persisted conversation.
type Record struct {
	ID        string
	StudentID string
	BookID    string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists conversation records.
//
// Callers are expected to pass only conversational messages (see
// [ConversationOnly]); implementations store what they are given.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new record and returns its identifier.
	Create(ctx context.Context, rec NewRecord) (string, error)

	// Update replaces the messages of the record with the given id.
	// Returns [ErrNotFound] if no such record exists.
	Update(ctx context.Context, id string, msgs []Message) error

	// LastByStudentAndBook returns the most recently updated record for the
	// pair. Returns [ErrNotFound] if there is none.
	LastByStudentAndBook(ctx context.Context, studentID, bookID string) (Record, error)
}
