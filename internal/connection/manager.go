// Package connection owns the lifecycle of one real-time voice session.
//
// A [Manager] wraps a [transport.Transport] and guarantees that at most one
// session is being established or torn down at a time: overlapping connect
// or disconnect calls are rejected as no-ops rather than queued. Two ways of
// reaching the bot are supported. A broker session first exchanges the
// session config for room credentials over HTTP; a direct session builds one
// URL from the child's identity and the book content.
//
// [AutoConnector] supervises a Manager for a screen that should connect on
// its own: it connects once per distinct [Signature] and forces a disconnect
// when the signature changes or the screen goes away.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/storycircle/internal/observe"
	"github.com/MrWong99/storycircle/pkg/transport"
)

// DefaultSettleDelay is how long a disconnect waits after closing the
// transport so media resources can be released before the next session.
const DefaultSettleDelay = 300 * time.Millisecond

var (
	// ErrUnknownKind is returned by Connect for an unsupported transport kind.
	ErrUnknownKind = errors.New("connection: unknown transport kind")

	// ErrNoBroker is returned by Connect for a broker session when no
	// [Signaler] is configured.
	ErrNoBroker = errors.New("connection: no broker configured")

	// ErrNoDirectURL is returned by Connect for a direct session when no base
	// URL is configured.
	ErrNoDirectURL = errors.New("connection: no direct url configured")
)

// Kind selects how the session endpoint is obtained.
type Kind string

const (
	// KindBroker obtains room credentials from the broker first.
	KindBroker Kind = "broker"

	// KindDirect connects to a URL built from the connect parameters.
	KindDirect Kind = "direct"
)

// IsValid reports whether k is a supported kind.
func (k Kind) IsValid() bool {
	return k == KindBroker || k == KindDirect
}

// Params describes one connect request.
type Params struct {
	// Kind selects the broker or direct path.
	Kind Kind

	// SessionConfig is sent verbatim to the broker as {"config": ...}.
	SessionConfig map[string]any

	StudentID       string
	BookID          string
	BookTitle       string
	Chapter         int
	PreviousChapter int
	CharacterName   string
	PromptID        string
	SectionType     string

	// Modalities lists the requested modalities. Defaults to ["audio"].
	Modalities []string

	// HandoffModality defaults to the first modality.
	HandoffModality string
}

// Signature identifies a distinct session.
type Signature struct {
	BookID        string
	Chapter       int
	CharacterName string
	Kind          Kind
}

// Signature returns the session signature of p.
func (p Params) Signature() Signature {
	return Signature{
		BookID:        p.BookID,
		Chapter:       p.Chapter,
		CharacterName: p.CharacterName,
		Kind:          p.Kind,
	}
}

// Phase is the manager's own view of the session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
)

// String returns the upper-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseConnected:
		return "CONNECTED"
	case PhaseDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Status is the connection state exposed to the screen. Connecting and
// Connected are never both true.
type Status struct {
	Connecting bool
	Connected  bool
}

// Option is a functional option for [New].
type Option func(*Manager)

// WithSignaler sets the broker client used for [KindBroker] sessions.
func WithSignaler(s Signaler) Option {
	return func(m *Manager) { m.signaler = s }
}

// WithDirectURL sets the base URL used for [KindDirect] sessions.
func WithDirectURL(base string) Option {
	return func(m *Manager) { m.directBase = base }
}

// WithSettleDelay overrides [DefaultSettleDelay]. Zero disables the wait.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.settleDelay = d
		}
	}
}

// WithMetrics records connect attempts and live sessions to met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager owns one transport session. All methods are safe for concurrent use.
type Manager struct {
	transport   transport.Transport
	signaler    Signaler
	directBase  string
	settleDelay time.Duration
	metrics     *observe.Metrics

	mu    sync.Mutex
	phase Phase

	// epoch is bumped by every Disconnect so a connect that was overtaken by
	// a disconnect does not mark the manager connected when it completes.
	epoch uint64
}

// New returns an idle manager for t.
func New(t transport.Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:   t,
		settleDelay: DefaultSettleDelay,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Transport returns the managed transport.
func (m *Manager) Transport() transport.Transport { return m.transport }

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Status returns the screen-facing connection flags.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connecting: m.phase == PhaseConnecting,
		Connected:  m.phase == PhaseConnected,
	}
}

// Connect establishes a session described by p.
//
// It returns nil without doing anything when a connect is already in flight,
// a disconnect is in progress, or the transport already reports connecting
// or ready. When the manager believes it is connected, the old session is
// torn down first. On failure the manager returns to idle and the error is
// returned to the caller.
func (m *Manager) Connect(ctx context.Context, p Params) error {
	m.mu.Lock()
	switch m.phase {
	case PhaseConnecting:
		m.mu.Unlock()
		slog.Info("connection: connect already in flight, ignoring", "book_id", p.BookID)
		return nil
	case PhaseDisconnecting:
		m.mu.Unlock()
		slog.Info("connection: disconnect in progress, ignoring connect", "book_id", p.BookID)
		return nil
	}
	if st := m.transport.State(); st == transport.StateConnecting || st == transport.StateReady {
		m.mu.Unlock()
		slog.Info("connection: transport already active, ignoring connect", "state", st)
		return nil
	}
	wasConnected := m.phase == PhaseConnected
	m.setPhaseLocked(PhaseConnecting)
	epoch := m.epoch
	m.mu.Unlock()

	ctx = observe.WithSession(ctx, p.StudentID, p.BookID)
	ctx, span := observe.StartSpan(ctx, "connection.Connect")
	defer span.End()
	log := observe.Logger(ctx)
	start := time.Now()

	if wasConnected {
		log.Info("connection: replacing existing session")
		m.teardown(ctx)
	}

	err := m.dial(ctx, p)

	m.mu.Lock()
	current := m.epoch == epoch
	if current {
		if err != nil {
			m.setPhaseLocked(PhaseIdle)
		} else {
			m.setPhaseLocked(PhaseConnected)
		}
	}
	m.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.recordConnect(ctx, p.Kind, "error", 0)
		log.Warn("connection: connect failed", "kind", p.Kind, "err", err)
		return fmt.Errorf("connection: connect: %w", err)
	}
	m.recordConnect(ctx, p.Kind, "ok", time.Since(start))
	if !current {
		// The overtaking disconnect ran before this session existed.
		log.Info("connection: connect completed after disconnect, closing the new session")
		m.release(context.WithoutCancel(ctx))
		return nil
	}
	log.Info("connection: connected", "kind", p.Kind, "book_id", p.BookID, "chapter", p.Chapter)
	return nil
}

// dial resolves the session endpoint for p and hands it to the transport.
func (m *Manager) dial(ctx context.Context, p Params) error {
	var target transport.Target
	switch p.Kind {
	case KindBroker:
		if m.signaler == nil {
			return ErrNoBroker
		}
		t, err := m.signaler.Exchange(ctx, p.SessionConfig)
		if err != nil {
			return err
		}
		target = t
	case KindDirect:
		if m.directBase == "" {
			return ErrNoDirectURL
		}
		u, err := DirectURL(m.directBase, p)
		if err != nil {
			return err
		}
		target = transport.Target{URL: u}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	return m.transport.Connect(ctx, target)
}

// Disconnect tears down the session. A call while another disconnect is in
// progress returns immediately. Track and transport failures are logged; the
// manager always ends idle.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	if m.phase == PhaseDisconnecting {
		m.mu.Unlock()
		slog.Debug("connection: disconnect already in progress")
		return
	}
	m.setPhaseLocked(PhaseDisconnecting)
	m.epoch++
	m.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "connection.Disconnect")
	defer span.End()

	m.teardown(ctx)

	m.mu.Lock()
	m.setPhaseLocked(PhaseIdle)
	m.mu.Unlock()
	observe.Logger(ctx).Info("connection: disconnected")
}

// teardown releases the session and waits for the settle delay.
func (m *Manager) teardown(ctx context.Context) {
	m.release(ctx)
	m.settle(ctx)
}

// release stops every held track and closes the transport.
func (m *Manager) release(ctx context.Context) {
	log := observe.Logger(ctx)
	for _, tr := range m.transport.Tracks() {
		if err := tr.Stop(); err != nil {
			log.Warn("connection: stop track failed",
				"kind", tr.Kind(), "direction", tr.Direction(), "err", err)
		}
	}
	if err := m.transport.Disconnect(ctx); err != nil {
		log.Warn("connection: transport disconnect failed", "err", err)
	}
}

func (m *Manager) settle(ctx context.Context) {
	if m.settleDelay <= 0 {
		return
	}
	t := time.NewTimer(m.settleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// SendMessage sends a control message to the bot. It is a no-op with a
// warning unless the transport is ready; send errors are logged.
func (m *Manager) SendMessage(ctx context.Context, msgType string, payload any) {
	if st := m.transport.State(); st != transport.StateReady {
		slog.Warn("connection: transport not ready, dropping message", "type", msgType, "state", st)
		return
	}
	if err := m.transport.SendMessage(ctx, msgType, payload); err != nil {
		slog.Warn("connection: send message failed", "type", msgType, "err", err)
	}
}

// MarkConnected records a transport-level connected notification. While a
// connect is in flight the notification is left to Connect to finalise.
func (m *Manager) MarkConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseIdle {
		m.setPhaseLocked(PhaseConnected)
	}
}

// MarkDisconnected records a transport-level disconnected notification.
// It is ignored while a connect or disconnect is in progress.
func (m *Manager) MarkDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseConnected {
		m.setPhaseLocked(PhaseIdle)
	}
}

func (m *Manager) setPhaseLocked(p Phase) {
	if m.metrics != nil && p != m.phase {
		switch {
		case p == PhaseConnected:
			m.metrics.ActiveConnections.Add(context.Background(), 1)
		case m.phase == PhaseConnected:
			m.metrics.ActiveConnections.Add(context.Background(), -1)
		}
	}
	m.phase = p
}

func (m *Manager) recordConnect(ctx context.Context, kind Kind, status string, elapsed time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordConnect(ctx, string(kind), status, elapsed)
	}
}
