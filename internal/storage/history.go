package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"jarvis/internal/models"
)

// StorageError reports a failed durable-log operation. It is surfaced to
// the operator and never retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// HistoryStore is the append-only log of completed exchanges. Every call
// opens its own connection and releases it before returning.
type HistoryStore struct {
	driver string
	dsn    string
	now    func() time.Time
}

// NewHistoryStore returns a store for the chat_history table behind driver/dsn.
func NewHistoryStore(driver, dsn string) *HistoryStore {
	if driver == "" {
		driver = "sqlite3"
	}
	return &HistoryStore{driver: driver, dsn: dsn, now: time.Now}
}

// NewRecord stamps an exchange with the local clock at second precision.
func (s *HistoryStore) NewRecord(userMessage, botResponse string) models.HistoryRecord {
	return models.HistoryRecord{
		Timestamp:   s.now().Format(models.TimestampLayout),
		UserMessage: userMessage,
		BotResponse: botResponse,
	}
}

func (s *HistoryStore) withConn(ctx context.Context, op string, fn func(*sql.DB) error) error {
	db, err := Open(s.driver, s.dsn)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	defer db.Close()
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	if err := fn(db); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// Initialize creates the backing store and table if absent. Idempotent.
func (s *HistoryStore) Initialize(ctx context.Context) error {
	return s.withConn(ctx, "initialize", func(db *sql.DB) error {
		return Migrate(db, s.driver)
	})
}

// Append inserts one record.
func (s *HistoryStore) Append(ctx context.Context, record models.HistoryRecord) error {
	return s.withConn(ctx, "append", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO chat_history (timestamp, user_message, bot_response) VALUES (?, ?, ?)`,
			record.Timestamp, record.UserMessage, record.BotResponse)
		if err != nil {
			return fmt.Errorf("insert chat_history: %w", err)
		}
		return nil
	})
}

// ListAll returns every record, oldest first.
func (s *HistoryStore) ListAll(ctx context.Context) ([]models.HistoryRecord, error) {
	records := make([]models.HistoryRecord, 0)
	err := s.withConn(ctx, "list", func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT timestamp, user_message, bot_response FROM chat_history`+orderClause(s.driver))
		if err != nil {
			return fmt.Errorf("query chat_history: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ts, user, bot sql.NullString
			)
			if err := rows.Scan(&ts, &user, &bot); err != nil {
				return fmt.Errorf("scan chat_history: %w", err)
			}
			records = append(records, models.HistoryRecord{
				Timestamp:   ts.String,
				UserMessage: user.String,
				BotResponse: bot.String,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *HistoryStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.withConn(ctx, "count", func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_history`).Scan(&n)
	})
	return n, err
}

// Clear removes every record. Irreversible.
func (s *HistoryStore) Clear(ctx context.Context) error {
	return s.withConn(ctx, "clear", func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM chat_history`); err != nil {
			return fmt.Errorf("delete chat_history: %w", err)
		}
		return nil
	})
}
