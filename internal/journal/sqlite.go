// Package journal keeps an audit trail of message delivery and connection
// state in SQLite. It is write-mostly: nothing reads it back into a live
// conversation.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"feedchat/internal/domain"

	_ "modernc.org/sqlite"
)

// Entry is one journalled message as last seen.
type Entry struct {
	Conversation     string
	CorrelationToken string
	ServerID         string
	Kind             domain.Kind
	Content          string
	FileName         string
	SenderID         string
	State            domain.DeliveryState
	Reason           string
	Timestamp        time.Time
	UpdatedAt        time.Time
}

// StatusChange is one journalled connection transition.
type StatusChange struct {
	Conversation string
	Status       string
	Detail       string
	CreatedAt    time.Time
}

// SQLiteJournal implements chat.Recorder on SQLite.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteJournal(dbPath string, logger *slog.Logger) (*SQLiteJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &SQLiteJournal{db: db, logger: logger}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		conversation_id   TEXT NOT NULL,
		message_key       TEXT NOT NULL,
		correlation_token TEXT,
		server_id         TEXT,
		kind              TEXT NOT NULL,
		content           TEXT,
		attachment        TEXT,
		sender_id         TEXT,
		state             TEXT NOT NULL,
		reason            TEXT,
		sent_at           DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, message_key)
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_state ON deliveries(state);

	CREATE TABLE IF NOT EXISTS connection_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		status          TEXT NOT NULL,
		detail          TEXT,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conn_events_conv ON connection_events(conversation_id, created_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordMessage inserts or updates the row for a message. Outbound messages
// are keyed by correlation token so reconciliation updates the same row.
func (j *SQLiteJournal) RecordMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	key := msg.CorrelationToken
	if key == "" {
		key = msg.ID
	}
	serverID := ""
	if msg.Confirmed() {
		serverID = msg.ID
	}

	var attachment sql.NullString
	if msg.Attachment != nil {
		data, err := json.Marshal(msg.Attachment)
		if err != nil {
			return fmt.Errorf("marshal attachment: %w", err)
		}
		attachment = sql.NullString{String: string(data), Valid: true}
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO deliveries (conversation_id, message_key, correlation_token, server_id, kind, content,
			attachment, sender_id, state, reason, sent_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id, message_key) DO UPDATE SET
			server_id = excluded.server_id,
			state = excluded.state,
			reason = excluded.reason,
			sent_at = excluded.sent_at,
			updated_at = excluded.updated_at`,
		conversationID, key, msg.CorrelationToken, serverID, string(msg.Kind), msg.Content,
		attachment, msg.Sender.ID, string(msg.State), msg.FailureReason, msg.Timestamp.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// RecordStatus appends a connection transition.
func (j *SQLiteJournal) RecordStatus(ctx context.Context, conversationID, status, detail string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO connection_events (conversation_id, status, detail, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, status, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

// Messages returns the newest entries for a conversation in send order.
func (j *SQLiteJournal) Messages(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT conversation_id, correlation_token, server_id, kind, content, attachment, sender_id,
			state, reason, sent_at, updated_at
		 FROM (
			SELECT rowid AS seq, * FROM deliveries WHERE conversation_id = ? ORDER BY rowid DESC LIMIT ?
		 ) ORDER BY seq ASC`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var token, serverID, content, attachment, sender, reason sql.NullString
		var kind, state string
		if err := rows.Scan(&e.Conversation, &token, &serverID, &kind, &content, &attachment, &sender,
			&state, &reason, &e.Timestamp, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.CorrelationToken = token.String
		e.ServerID = serverID.String
		e.Kind = domain.Kind(kind)
		e.Content = content.String
		e.SenderID = sender.String
		e.State = domain.DeliveryState(state)
		e.Reason = reason.String
		if attachment.Valid {
			var a domain.Attachment
			if err := json.Unmarshal([]byte(attachment.String), &a); err == nil {
				e.FileName = a.FileName
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StatusHistory returns the newest connection transitions for a conversation, oldest first.
func (j *SQLiteJournal) StatusHistory(ctx context.Context, conversationID string, limit int) ([]StatusChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT conversation_id, status, detail, created_at FROM (
			SELECT * FROM connection_events WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []StatusChange
	for rows.Next() {
		var c StatusChange
		var detail sql.NullString
		if err := rows.Scan(&c.Conversation, &c.Status, &detail, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Detail = detail.String
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// Conversations lists every conversation id with journalled messages.
func (j *SQLiteJournal) Conversations(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT conversation_id FROM deliveries GROUP BY conversation_id ORDER BY MAX(updated_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
