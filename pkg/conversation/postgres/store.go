package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/storycircle/pkg/conversation"
)

// Compile-time interface check.
var _ conversation.Store = (*Store)(nil)

// Store is a PostgreSQL implementation of [conversation.Store] backed by a
// single [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies that the database is reachable. It is used by the readiness
// probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Create implements [conversation.Store.Create].
func (s *Store) Create(ctx context.Context, rec conversation.NewRecord) (string, error) {
	payload, err := encodeMessages(rec.Messages)
	if err != nil {
		return "", fmt.Errorf("conversation store: create: %w", err)
	}

	const q = `
		INSERT INTO conversations (id, student_id, book_id, messages, message_count)
		VALUES ($1, $2, $3, $4::jsonb, $5)`

	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, q, id, rec.StudentID, rec.BookID, payload, len(rec.Messages)); err != nil {
		return "", fmt.Errorf("conversation store: create: %w", err)
	}
	return id, nil
}

// Update implements [conversation.Store.Update].
func (s *Store) Update(ctx context.Context, id string, msgs []conversation.Message) error {
	payload, err := encodeMessages(msgs)
	if err != nil {
		return fmt.Errorf("conversation store: update: %w", err)
	}

	const q = `
		UPDATE conversations
		SET    messages = $2::jsonb, message_count = $3, updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, payload, len(msgs))
	if err != nil {
		return fmt.Errorf("conversation store: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversation.ErrNotFound
	}
	return nil
}

// LastByStudentAndBook implements [conversation.Store.LastByStudentAndBook].
func (s *Store) LastByStudentAndBook(ctx context.Context, studentID, bookID string) (conversation.Record, error) {
	const q = `
		SELECT id, student_id, book_id, messages, created_at, updated_at
		FROM   conversations
		WHERE  student_id = $1 AND book_id = $2
		ORDER  BY updated_at DESC
		LIMIT  1`

	rows, err := s.pool.Query(ctx, q, studentID, bookID)
	if err != nil {
		return conversation.Record{}, fmt.Errorf("conversation store: last: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Record{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Record{}, fmt.Errorf("conversation store: last: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.CollectableRow) (conversation.Record, error) {
	var (
		r   conversation.Record
		raw []byte
	)
	if err := row.Scan(&r.ID, &r.StudentID, &r.BookID, &raw, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return conversation.Record{}, err
	}
	if err := json.Unmarshal(raw, &r.Messages); err != nil {
		return conversation.Record{}, fmt.Errorf("decode messages: %w", err)
	}
	if r.Messages == nil {
		r.Messages = []conversation.Message{}
	}
	return r, nil
}

func encodeMessages(msgs []conversation.Message) (string, error) {
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("encode messages: %w", err)
	}
	return string(b), nil
}
