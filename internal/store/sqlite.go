package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if necessary initializes) the database at path.
// Use ":memory:" for an ephemeral database.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Part writes interleave with reads from the same process; a single
	// connection avoids SQLITE_BUSY on the file-backed database.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			project_path TEXT,
			title TEXT,
			working_dir TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			tool_counts TEXT,
			tool_time_ms INTEGER NOT NULL DEFAULT 0,
			context_summary TEXT,
			last_compacted_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			error_type TEXT,
			error_message TEXT,
			is_aborted INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS parts (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			step_index INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_name TEXT,
			tool_call_id TEXT,
			tool_duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			completed_at DATETIME,
			compacted_at DATETIME,
			UNIQUE(message_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_parts_message ON parts(message_id, idx)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) CreateSession(ctx context.Context, session *models.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	counts, err := json.Marshal(session.ToolCounts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, provider, model, project_path, title, working_dir,
			input_tokens, output_tokens, cache_read_tokens, tool_counts, tool_time_ms,
			context_summary, last_compacted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.AgentID, session.Provider, session.Model,
		session.ProjectPath, session.Title, session.WorkingDir,
		session.InputTokens, session.OutputTokens, session.CacheReadTokens,
		string(counts), session.ToolTimeMs, session.ContextSummary,
		nullTime(session.LastCompactedAt), session.CreatedAt, session.UpdatedAt)
	return err
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, provider, model, project_path, title, working_dir,
			input_tokens, output_tokens, cache_read_tokens, tool_counts, tool_time_ms,
			context_summary, last_compacted_at, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var sess models.Session
	var projectPath, title, workingDir, counts, summary sql.NullString
	var lastCompacted sql.NullTime
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.Provider, &sess.Model,
		&projectPath, &title, &workingDir,
		&sess.InputTokens, &sess.OutputTokens, &sess.CacheReadTokens,
		&counts, &sess.ToolTimeMs, &summary, &lastCompacted,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.ProjectPath = projectPath.String
	sess.Title = title.String
	sess.WorkingDir = workingDir.String
	sess.ContextSummary = summary.String
	if lastCompacted.Valid {
		sess.LastCompactedAt = lastCompacted.Time
	}
	if counts.String != "" {
		if err := json.Unmarshal([]byte(counts.String), &sess.ToolCounts); err != nil {
			return nil, fmt.Errorf("corrupt tool_counts for session %s: %w", id, err)
		}
	}
	return &sess, nil
}

func (s *SQLite) UpdateSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now()
	counts, err := json.Marshal(session.ToolCounts)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET agent_id = ?, provider = ?, model = ?, project_path = ?,
			title = ?, working_dir = ?, input_tokens = ?, output_tokens = ?,
			cache_read_tokens = ?, tool_counts = ?, tool_time_ms = ?,
			context_summary = ?, last_compacted_at = ?, updated_at = ?
		WHERE id = ?`,
		session.AgentID, session.Provider, session.Model, session.ProjectPath,
		session.Title, session.WorkingDir, session.InputTokens, session.OutputTokens,
		session.CacheReadTokens, string(counts), session.ToolTimeMs,
		session.ContextSummary, nullTime(session.LastCompactedAt),
		session.UpdatedAt, session.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, status, input_tokens, output_tokens,
			cache_read_tokens, reasoning_tokens, error_type, error_message, is_aborted,
			created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Status,
		msg.Usage.InputTokens, msg.Usage.OutputTokens, msg.Usage.CacheReadTokens,
		msg.Usage.ReasoningTokens, msg.ErrorType, msg.ErrorMessage,
		boolInt(msg.IsAborted), msg.CreatedAt, nullTime(msg.CompletedAt))
	return err
}

func (s *SQLite) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, status, input_tokens, output_tokens,
			cache_read_tokens, reasoning_tokens, error_type, error_message, is_aborted,
			created_at, completed_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *SQLite) UpdateMessage(ctx context.Context, msg *models.Message) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, input_tokens = ?, output_tokens = ?,
			cache_read_tokens = ?, reasoning_tokens = ?, error_type = ?,
			error_message = ?, is_aborted = ?, completed_at = ?
		WHERE id = ?`,
		msg.Status, msg.Usage.InputTokens, msg.Usage.OutputTokens,
		msg.Usage.CacheReadTokens, msg.Usage.ReasoningTokens,
		msg.ErrorType, msg.ErrorMessage, boolInt(msg.IsAborted),
		nullTime(msg.CompletedAt), msg.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, status, input_tokens, output_tokens,
			cache_read_tokens, reasoning_tokens, error_type, error_message, is_aborted,
			created_at, completed_at
		FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLite) CreatePart(ctx context.Context, part *models.MessagePart) error {
	content, err := models.EncodePartContent(part.Content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO parts (id, message_id, idx, step_index, type, content, tool_name,
			tool_call_id, tool_duration_ms, started_at, completed_at, compacted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		part.ID, part.MessageID, part.Index, part.StepIndex, part.Type,
		string(content), part.ToolName, part.ToolCallID, part.ToolDurationMs,
		nullTime(part.StartedAt), nullTime(part.CompletedAt), nullTimePtr(part.CompactedAt))
	return err
}

func (s *SQLite) GetPart(ctx context.Context, id string) (*models.MessagePart, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, idx, step_index, type, content, tool_name, tool_call_id,
			tool_duration_ms, started_at, completed_at, compacted_at
		FROM parts WHERE id = ?`, id)
	part, err := scanPart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return part, err
}

func (s *SQLite) UpdatePart(ctx context.Context, part *models.MessagePart) error {
	content, err := models.EncodePartContent(part.Content)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE parts SET content = ?, tool_name = ?, tool_call_id = ?,
			tool_duration_ms = ?, started_at = ?, completed_at = ?, compacted_at = ?
		WHERE id = ?`,
		string(content), part.ToolName, part.ToolCallID, part.ToolDurationMs,
		nullTime(part.StartedAt), nullTime(part.CompletedAt),
		nullTimePtr(part.CompactedAt), part.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) DeletePart(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM parts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) ListParts(ctx context.Context, messageID string) ([]*models.MessagePart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, idx, step_index, type, content, tool_name, tool_call_id,
			tool_duration_ms, started_at, completed_at, compacted_at
		FROM parts WHERE message_id = ? ORDER BY idx`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MessagePart
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) MaxPartIndex(ctx context.Context, messageID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx), -1) FROM parts WHERE message_id = ?`, messageID)
	var max int
	if err := row.Scan(&max); err != nil {
		return -1, err
	}
	return max, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

type scannable interface {
	Scan(dest ...any) error
}

func scanMessage(row scannable) (*models.Message, error) {
	var msg models.Message
	var errType, errMsg sql.NullString
	var aborted int
	var completedAt sql.NullTime
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Status,
		&msg.Usage.InputTokens, &msg.Usage.OutputTokens,
		&msg.Usage.CacheReadTokens, &msg.Usage.ReasoningTokens,
		&errType, &errMsg, &aborted, &msg.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	msg.ErrorType = errType.String
	msg.ErrorMessage = errMsg.String
	msg.IsAborted = aborted != 0
	if completedAt.Valid {
		msg.CompletedAt = completedAt.Time
	}
	return &msg, nil
}

func scanPart(row scannable) (*models.MessagePart, error) {
	var p models.MessagePart
	var content string
	var toolName, toolCallID sql.NullString
	var startedAt, completedAt, compactedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.MessageID, &p.Index, &p.StepIndex, &p.Type,
		&content, &toolName, &toolCallID, &p.ToolDurationMs,
		&startedAt, &completedAt, &compactedAt); err != nil {
		return nil, err
	}
	p.ToolName = toolName.String
	p.ToolCallID = toolCallID.String
	if startedAt.Valid {
		p.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time
	}
	if compactedAt.Valid {
		t := compactedAt.Time
		p.CompactedAt = &t
	}
	payload, err := models.DecodePartContent(p.Type, []byte(content))
	if err != nil {
		return nil, fmt.Errorf("corrupt content for part %s: %w", p.ID, err)
	}
	p.Content = payload
	return &p, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
