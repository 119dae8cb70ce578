// Package mock provides a recording test double for [conversation.Store].
//
// The mock records every call for assertion in tests and exposes exported
// fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{CreateID: "conv-1"}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Create"); got != 1 {
//	    t.Errorf("expected 1 Create call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/storycircle/pkg/conversation"
)

var _ conversation.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [conversation.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	seq   int

	// CreateID is returned by [Store.Create]. When empty, ids of the form
	// "conv-N" are generated.
	CreateID string

	// CreateErr is returned by [Store.Create] when non-nil.
	CreateErr error

	// UpdateErr is returned by [Store.Update] when non-nil.
	UpdateErr error

	// LastResult is returned by [Store.LastByStudentAndBook].
	LastResult conversation.Record

	// LastErr is returned by [Store.LastByStudentAndBook] when non-nil.
	LastErr error

	// Gate, when non-nil, makes Create and Update block until a value is
	// received from it or the context is done. The call is recorded before
	// blocking.
	Gate chan struct{}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
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

// CallsTo returns the recorded invocations of the named method.
func (m *Store) CallsTo(method string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// SetCreateErr replaces CreateErr under the lock.
func (m *Store) SetCreateErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateErr = err
}

// Create implements [conversation.Store].
func (m *Store) Create(ctx context.Context, rec conversation.NewRecord) (string, error) {
	m.mu.Lock()
	rec.Messages = slices.Clone(rec.Messages)
	m.calls = append(m.calls, Call{Method: "Create", Args: []any{rec}})
	m.seq++
	id := m.CreateID
	if id == "" {
		id = fmt.Sprintf("conv-%d", m.seq)
	}
	err := m.CreateErr
	gate := m.Gate
	m.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return "", err
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update implements [conversation.Store].
func (m *Store) Update(ctx context.Context, id string, msgs []conversation.Message) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Update", Args: []any{id, slices.Clone(msgs)}})
	err := m.UpdateErr
	gate := m.Gate
	m.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return err
	}
	return err
}

// LastByStudentAndBook implements [conversation.Store].
func (m *Store) LastByStudentAndBook(_ context.Context, studentID, bookID string) (conversation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "LastByStudentAndBook", Args: []any{studentID, bookID}})
	if m.LastErr != nil {
		return conversation.Record{}, m.LastErr
	}
	r := m.LastResult
	r.Messages = slices.Clone(r.Messages)
	return r, nil
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
