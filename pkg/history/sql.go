package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/protocol"
)

// SQLStore implements Store over database/sql. Supported dialects: sqlite,
// postgres, mysql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    window_id VARCHAR(255),
    thread_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    last_activity TIMESTAMP NOT NULL,
    context TEXT,
    status VARCHAR(32) NOT NULL,
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
`

const createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id VARCHAR(255) NOT NULL UNIQUE,
    session_id VARCHAR(255) NOT NULL,
    role VARCHAR(32) NOT NULL,
    content TEXT NOT NULL,
    message_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
`

// mysql needs AUTO_INCREMENT spelled differently and has no inline index
// creation shortcuts; postgres wants BIGSERIAL.
func (s *SQLStore) messagesTableSQL() string {
	switch s.dialect {
	case "postgres":
		return strings.Replace(createMessagesTableSQL,
			"seq INTEGER PRIMARY KEY AUTOINCREMENT", "seq BIGSERIAL PRIMARY KEY", 1)
	case "mysql":
		sqlText := strings.Replace(createMessagesTableSQL,
			"seq INTEGER PRIMARY KEY AUTOINCREMENT", "seq BIGINT PRIMARY KEY AUTO_INCREMENT", 1)
		return strings.ReplaceAll(sqlText, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX")
	default:
		return createMessagesTableSQL
	}
}

// NewSQLStore opens the configured database and initializes the schema.
func NewSQLStore(cfg *config.HistoryConfig) (*SQLStore, error) {
	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s history store: %w", cfg.Driver, err)
	}

	return NewSQLStoreWithDB(db, cfg.Driver)
}

// NewSQLStoreWithDB wraps an existing connection; used by tests.
func NewSQLStoreWithDB(db *sql.DB, dialect string) (*SQLStore, error) {
	switch dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range append(
		splitStatements(createSessionsTableSQL),
		splitStatements(s.messagesTableSQL())...,
	) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// mysql errors on duplicate CREATE INDEX; benign on re-init.
			if s.dialect == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return err
		}
	}
	return nil
}

func splitStatements(sqlText string) []string {
	var out []string
	for _, stmt := range strings.Split(sqlText, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// rebind converts ?-placeholders to the dialect's positional form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *SQLStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal session context: %w", err)
	}

	query := s.rebind(`
INSERT INTO sessions (session_id, user_id, window_id, thread_id, created_at, last_activity, context, status, deleted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`)

	_, err = s.db.ExecContext(ctx, query,
		rec.SessionID, rec.UserID, rec.WindowID, rec.ThreadID,
		rec.CreatedAt.UTC(), rec.LastActivity.UTC(), string(contextJSON), string(rec.Status))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	query := s.rebind(`
SELECT session_id, user_id, window_id, thread_id, created_at, last_activity, context, status, deleted_at
FROM sessions WHERE session_id = ?`)

	return s.scanSession(s.db.QueryRowContext(ctx, query, sessionID))
}

func (s *SQLStore) scanSession(row *sql.Row) (*SessionRecord, error) {
	var rec SessionRecord
	var contextJSON sql.NullString
	var windowID sql.NullString
	var status string
	var deletedAt sql.NullTime

	err := row.Scan(&rec.SessionID, &rec.UserID, &windowID, &rec.ThreadID,
		&rec.CreatedAt, &rec.LastActivity, &contextJSON, &status, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	rec.WindowID = windowID.String
	rec.Status = SessionStatus(status)
	if deletedAt.Valid {
		t := deletedAt.Time
		rec.DeletedAt = &t
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &rec.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session context: %w", err)
		}
	}
	return &rec, nil
}

func (s *SQLStore) UpdateSession(ctx context.Context, rec *SessionRecord) error {
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal session context: %w", err)
	}

	query := s.rebind(`UPDATE sessions SET last_activity = ?, context = ? WHERE session_id = ?`)
	res, err := s.db.ExecContext(ctx, query, rec.LastActivity.UTC(), string(contextJSON), rec.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) MarkDeleted(ctx context.Context, sessionID string, at time.Time) error {
	query := s.rebind(`UPDATE sessions SET status = ?, deleted_at = ? WHERE session_id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(StatusDeleted), at.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) RemoveSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListUserSessions(ctx context.Context, userID string) ([]*SessionRecord, error) {
	query := s.rebind(`
SELECT session_id, user_id, window_id, thread_id, created_at, last_activity, context, status, deleted_at
FROM sessions WHERE user_id = ? AND status = ? ORDER BY last_activity DESC`)

	rows, err := s.db.QueryContext(ctx, query, userID, string(StatusAvailable))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var contextJSON, windowID sql.NullString
		var status string
		var deletedAt sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &windowID, &rec.ThreadID,
			&rec.CreatedAt, &rec.LastActivity, &contextJSON, &status, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.WindowID = windowID.String
		rec.Status = SessionStatus(status)
		if contextJSON.Valid && contextJSON.String != "" {
			_ = json.Unmarshal([]byte(contextJSON.String), &rec.Context)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendMessage(ctx context.Context, msg *protocol.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message id cannot be empty")
	}
	if msg.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	messageJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	query := s.rebind(`
INSERT INTO messages (message_id, session_id, role, content, message_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, string(messageJSON), msg.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *SQLStore) Messages(ctx context.Context, sessionID string, limit, offset int) ([]*protocol.Message, error) {
	query := `SELECT message_json FROM messages WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLStore) RecentMessages(ctx context.Context, sessionID string, n int) ([]*protocol.Message, error) {
	if n <= 0 {
		return nil, nil
	}

	query := s.rebind(`
SELECT message_json FROM (
    SELECT seq, message_json FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
) recent ORDER BY seq ASC`)

	rows, err := s.db.QueryContext(ctx, query, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLStore) FindMessage(ctx context.Context, messageID string) (*protocol.Message, error) {
	query := s.rebind(`SELECT message_json FROM messages WHERE message_id = ?`)

	var raw string
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	var msg protocol.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

func (s *SQLStore) SearchMessages(ctx context.Context, userID, query string, limit int) ([]*protocol.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	stmt := s.rebind(`
SELECT m.message_json FROM messages m
JOIN sessions s ON s.session_id = m.session_id
WHERE s.user_id = ? AND s.status = ? AND m.content LIKE ? ` + likeEscapeClause(s.dialect) + `
ORDER BY m.seq DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, stmt, userID, string(StatusAvailable), "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]*protocol.Message, error) {
	var out []*protocol.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// likeEscapeClause declares the LIKE escape character for the dialect.
// MySQL's lexer already treats a backslash inside a string literal as an
// escape, so the backslash itself has to be doubled there; sqlite and
// postgres take it verbatim.
func likeEscapeClause(dialect string) string {
	if dialect == "mysql" {
		return `ESCAPE '\\'`
	}
	return `ESCAPE '\'`
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
