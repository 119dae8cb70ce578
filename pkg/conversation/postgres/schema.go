// Package postgres provides a PostgreSQL-backed [conversation.Store].
//
// Each conversation is one row in the conversations table. The transcript is
// stored as a JSONB array in its wire shape, so rows written here can be read
// by any client that understands {"user": ...} / {"assistant": ...} entries.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.Create(ctx, conversation.NewRecord{StudentID: "s1", BookID: "b1", Messages: msgs})
//	_ = store.Update(ctx, id, more)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id             TEXT         PRIMARY KEY,
    student_id     TEXT         NOT NULL,
    book_id        TEXT         NOT NULL,
    messages       JSONB        NOT NULL DEFAULT '[]',
    message_count  INTEGER      NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_student_book_updated
    ON conversations (student_id, book_id, updated_at DESC);
`

// Migrate creates the conversations table and its index if they do not exist.
// It is idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversations); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
