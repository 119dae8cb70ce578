package connection

import (
	"context"
	"log/slog"
	"sync"
)

// Connector is the subset of [Manager] used by [AutoConnector].
type Connector interface {
	Connect(ctx context.Context, p Params) error
	Disconnect(ctx context.Context)
}

var _ Connector = (*Manager)(nil)

// AutoConnector connects a screen automatically, at most once per
// [Signature]. A change of signature disconnects the old session and allows
// one fresh attempt for the new one.
type AutoConnector struct {
	conn Connector

	mu        sync.Mutex
	current   Signature
	hasSig    bool
	attempted bool
}

// NewAutoConnector returns a supervisor for c.
func NewAutoConnector(c Connector) *AutoConnector {
	return &AutoConnector{conn: c}
}

// Update reports the screen's current parameters. When should is true and no
// attempt has been made for p's signature yet, Update connects and returns
// the connect error. A failed attempt still counts as the attempt.
func (a *AutoConnector) Update(ctx context.Context, p Params, should bool) error {
	sig := p.Signature()

	a.mu.Lock()
	changed := a.hasSig && sig != a.current
	if !a.hasSig || changed {
		a.current = sig
		a.hasSig = true
		a.attempted = false
	}
	attempt := should && !a.attempted
	if attempt {
		a.attempted = true
	}
	a.mu.Unlock()

	if changed {
		slog.Info("connection: signature changed, dropping session",
			"book_id", sig.BookID, "chapter", sig.Chapter, "character", sig.CharacterName, "kind", sig.Kind)
		a.conn.Disconnect(ctx)
	}
	if !attempt {
		return nil
	}
	return a.conn.Connect(ctx, p)
}

// Attempted reports whether an auto-connect was made for the current
// signature.
func (a *AutoConnector) Attempted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempted
}

// Close disconnects unconditionally.
func (a *AutoConnector) Close(ctx context.Context) {
	a.conn.Disconnect(ctx)
}
