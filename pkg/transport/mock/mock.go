// Package mock provides a recording test double for [transport.Transport].
//
// The mock never touches the network. Tests drive it by injecting events with
// [Transport.EmitEvent], forcing states with [Transport.SetState] and
// inspecting the recorded calls.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/storycircle/pkg/transport"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Track     = (*Track)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Transport is a configurable test double for [transport.Transport].
// The zero value is ready to use.
type Transport struct {
	mu      sync.Mutex
	calls   []Call
	state   transport.State
	tracks  []transport.Track
	emitter transport.Emitter

	// ConnectErr is returned by Connect when non-nil. The state returns to
	// StateDisconnected.
	ConnectErr error

	// ConnectGate, when non-nil, makes Connect block after recording the call
	// until a value is received or the context is done. State is
	// StateConnecting while blocked.
	ConnectGate chan struct{}

	// ReadyOnConnect moves the state straight to StateReady on a successful
	// Connect instead of StateConnected.
	ReadyOnConnect bool

	// DisconnectErr is returned by Disconnect when non-nil. The state still
	// becomes StateDisconnected.
	DisconnectErr error

	// DisconnectGate, when non-nil, makes Disconnect block after recording
	// the call until a value is received or the context is done.
	DisconnectGate chan struct{}

	// SendErr is returned by SendMessage when non-nil.
	SendErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Transport) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Transport) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// SetState forces the reported state.
func (m *Transport) SetState(s transport.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// SetTracks replaces the held tracks.
func (m *Transport) SetTracks(tracks ...transport.Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = tracks
}

// EmitEvent delivers ev to all handlers registered for its type.
func (m *Transport) EmitEvent(ev transport.Event) {
	m.emitter.Emit(ev)
}

// HandlerCount returns the number of live subscriptions for et.
func (m *Transport) HandlerCount(et transport.EventType) int {
	return m.emitter.Count(et)
}

// State implements [transport.Transport].
func (m *Transport) State() transport.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect implements [transport.Transport].
func (m *Transport) Connect(ctx context.Context, target transport.Target) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Connect", Args: []any{target}})
	m.state = transport.StateConnecting
	gate := m.ConnectGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			m.SetState(transport.StateDisconnected)
			return ctx.Err()
		}
	}

	m.mu.Lock()
	if m.ConnectErr != nil {
		err := m.ConnectErr
		m.state = transport.StateDisconnected
		m.mu.Unlock()
		return err
	}
	m.state = transport.StateConnected
	if m.ReadyOnConnect {
		m.state = transport.StateReady
	}
	m.mu.Unlock()
	return nil
}

// Disconnect implements [transport.Transport].
func (m *Transport) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Disconnect"})
	gate := m.DisconnectGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = transport.StateDisconnected
	return m.DisconnectErr
}

// SendMessage implements [transport.Transport].
func (m *Transport) SendMessage(_ context.Context, msgType string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SendMessage", Args: []any{msgType, payload}})
	return m.SendErr
}

// On implements [transport.Transport].
func (m *Transport) On(et transport.EventType, h transport.Handler) func() {
	return m.emitter.On(et, h)
}

// Tracks implements [transport.Transport].
func (m *Transport) Tracks() []transport.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tracks)
}

// Track is a test double for [transport.Track].
type Track struct {
	mu    sync.Mutex
	stops int

	// TrackDirection is reported by Direction.
	TrackDirection transport.Direction

	// StopErr is returned by Stop when non-nil.
	StopErr error
}

// Kind implements [transport.Track].
func (t *Track) Kind() transport.TrackKind { return transport.TrackAudio }

// Direction implements [transport.Track].
func (t *Track) Direction() transport.Direction { return t.TrackDirection }

// Stop implements [transport.Track].
func (t *Track) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return t.StopErr
}

// StopCount returns how many times Stop was called.
func (t *Track) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}
