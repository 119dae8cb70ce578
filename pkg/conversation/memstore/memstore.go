// Package memstore provides an in-memory [conversation.Store].
//
// It is used when no database is configured and in tests.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/storycircle/pkg/conversation"
)

// Compile-time assertion that Store satisfies conversation.Store.
var _ conversation.Store = (*Store)(nil)

// Store is a thread-safe, in-memory implementation of [conversation.Store].
// The zero value is ready to use.
type Store struct {
	mu      sync.RWMutex
	records map[string]conversation.Record

	// now is overridable so ordering tests do not depend on clock resolution.
	now func() time.Time
}

// New returns an initialised [Store].
func New() *Store {
	return &Store{records: make(map[string]conversation.Record)}
}

// Create implements [conversation.Store.Create].
func (s *Store) Create(_ context.Context, rec conversation.NewRecord) (string, error) {
	id := uuid.NewString()
	ts := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[string]conversation.Record)
	}
	s.records[id] = conversation.Record{
		ID:        id,
		StudentID: rec.StudentID,
		BookID:    rec.BookID,
		Messages:  slices.Clone(rec.Messages),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	return id, nil
}

// Update implements [conversation.Store.Update].
func (s *Store) Update(_ context.Context, id string, msgs []conversation.Message) error {
	ts := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return conversation.ErrNotFound
	}
	r.Messages = slices.Clone(msgs)
	r.UpdatedAt = ts
	s.records[id] = r
	return nil
}

// LastByStudentAndBook implements [conversation.Store.LastByStudentAndBook].
func (s *Store) LastByStudentAndBook(_ context.Context, studentID, bookID string) (conversation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  conversation.Record
		found bool
	)
	for _, r := range s.records {
		if r.StudentID != studentID || r.BookID != bookID {
			continue
		}
		if !found || r.UpdatedAt.After(best.UpdatedAt) {
			best, found = r, true
		}
	}
	if !found {
		return conversation.Record{}, conversation.ErrNotFound
	}
	best.Messages = slices.Clone(best.Messages)
	return best, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
