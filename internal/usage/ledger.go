// Package usage keeps per-chat token accounting for the lifetime of the process.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDSN is a shared in-memory database; nothing survives a restart.
const DefaultDSN = "file:relaychat_usage?mode=memory&cache=shared"

// Totals aggregates the usage recorded for one chat.
type Totals struct {
	Calls            int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Entry is one completed call.
type Entry struct {
	ChatID           int64
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Ledger records token usage in SQLite.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the ledger and creates its schema.
func Open(dsn string) (*Ledger, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// an in-memory database lives as long as one connection holds it
	db.SetMaxOpenConns(1)

	createUsageTable := `
	CREATE TABLE IF NOT EXISTS usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);`
	createChatIndex := `CREATE INDEX IF NOT EXISTS usage_chat_id ON usage(chat_id);`

	for _, stmt := range []string{createUsageTable, createChatIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create usage schema: %w", err)
		}
	}

	return &Ledger{db: db, now: time.Now}, nil
}

// Record stores one call's usage.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage (chat_id, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ChatID, e.Model, e.PromptTokens, e.CompletionTokens, e.TotalTokens, l.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Totals sums the usage of a chat. A chat with no calls has zero totals.
func (l *Ledger) Totals(ctx context.Context, chatID int64) (Totals, error) {
	var t Totals
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(prompt_tokens), 0),
		        COALESCE(SUM(completion_tokens), 0),
		        COALESCE(SUM(total_tokens), 0)
		 FROM usage WHERE chat_id = ?`, chatID).
		Scan(&t.Calls, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query usage: %w", err)
	}
	return t, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
