package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agentmesh/orchestrion/pkg/models"
)

// SQLiteConfig configures a SQLiteStore. Pool settings mirror
// CockroachConfig's shape so callers can swap backends without relearning a
// config struct, narrowed to what a single-writer SQLite file actually
// needs (WAL mode gives many-reader/one-writer concurrency without a
// CockroachDB-style connection pool).
type SQLiteConfig struct {
	// Path is the filesystem path to the sessions database file, e.g.
	// "data/sessions.db".
	Path            string
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// DefaultSQLiteConfig returns sane defaults for a local sessions.db.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:            "data/sessions.db",
		ConnMaxLifetime: 5 * time.Minute,
		BusyTimeout:     5 * time.Second,
	}
}

// SQLiteStore implements Store using a pure-Go SQLite driver
// (modernc.org/sqlite, no cgo). This is the default durable backend for
// sessions.db per the profile-scoped, single-process deployment model; see
// CockroachStore for the alternative multi-process Postgres-compatible
// backend behind the same interface.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed session
// store and ensures its schema exists.
func NewSQLiteStore(cfg *SQLiteConfig) (*SQLiteStore, error) {
	if cfg == nil {
		cfg = DefaultSQLiteConfig()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	// A single writer connection avoids SQLITE_BUSY under WAL for the
	// common case; readers still proceed concurrently because WAL allows
	// concurrent readers against the last committed snapshot.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			profile TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'OPEN',
			agent_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			parent_session_id TEXT NOT NULL DEFAULT '',
			sub_agent_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_updated DATETIME NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_key ON sessions(key) WHERE key != '';
		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments TEXT,
			tool_calls TEXT,
			tool_results TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS session_summaries (
			session_id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			covers_through DATETIME,
			summary_depth INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_todos (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_todos_session ON session_todos(session_id);

		CREATE TABLE IF NOT EXISTS sub_sessions (
			parent_session_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			session_id TEXT NOT NULL,
			PRIMARY KEY (parent_session_id, agent_name)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize sessions schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for related stores that want to
// share the same file (e.g. an embedded Scheduler table).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	session.LastUpdated = now
	if session.Status == "" {
		session.Status = models.SessionOpen
	}

	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, profile, status, agent_id, channel, channel_id, key, title, metadata,
			parent_session_id, sub_agent_name, created_at, updated_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Profile, session.Status, session.AgentID, session.Channel, session.ChannelID,
		session.Key, session.Title, metadata, session.ParentSessionID, session.SubAgentName,
		session.CreatedAt, session.UpdatedAt, session.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*models.Session, error) {
	session := &models.Session{}
	var metadataJSON sql.NullString
	err := row.Scan(&session.ID, &session.Profile, &session.Status, &session.AgentID, &session.Channel,
		&session.ChannelID, &session.Key, &session.Title, &metadataJSON, &session.ParentSessionID,
		&session.SubAgentName, &session.CreatedAt, &session.UpdatedAt, &session.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return session, nil
}

const selectSessionColumns = `
	SELECT id, profile, status, agent_id, channel, channel_id, key, title, metadata,
		parent_session_id, sub_agent_name, created_at, updated_at, last_updated
	FROM sessions`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, selectSessionColumns+" WHERE id = ?", id)
	session, err := s.scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return session, nil
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET profile = ?, status = ?, title = ?, metadata = ?, updated_at = ?, last_updated = ?
		WHERE id = ?
	`, session.Profile, session.Status, session.Title, metadata, now, now, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session not found: %s", session.ID)
	}
	session.UpdatedAt = now
	session.LastUpdated = now
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id)
	return nil
}

func (s *SQLiteStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, selectSessionColumns+" WHERE key = ?", key)
	session, err := s.scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get session by key: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found")
	}
	return session, nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if existing, err := s.GetByKey(ctx, key); err == nil {
		return existing, nil
	}
	session := &models.Session{
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
	}
	if err := s.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	query := selectSessionColumns + " WHERE (? = '' OR agent_id = ?) AND (? = '' OR channel = ?) ORDER BY created_at DESC"
	args := []any{agentID, agentID, string(opts.Channel), string(opts.Channel)}
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var metadataJSON sql.NullString
		if err := rows.Scan(&session.ID, &session.Profile, &session.Status, &session.AgentID, &session.Channel,
			&session.ChannelID, &session.Key, &session.Title, &metadataJSON, &session.ParentSessionID,
			&session.SubAgentName, &session.CreatedAt, &session.UpdatedAt, &session.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			_ = json.Unmarshal([]byte(metadataJSON.String), &session.Metadata)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	attachments, _ := json.Marshal(msg.Attachments)
	toolCalls, _ := json.Marshal(msg.ToolCalls)
	toolResults, _ := json.Marshal(msg.ToolResults)
	metadata, _ := json.Marshal(msg.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, channel, channel_id, direction, role, content, attachments,
			tool_calls, tool_results, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, sessionID, msg.Channel, msg.ChannelID, msg.Direction, msg.Role, msg.Content,
		attachments, toolCalls, toolResults, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE sessions SET last_updated = ? WHERE id = ?`, time.Now(), sessionID)
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, session_id, channel, channel_id, direction, role, content, attachments, tool_calls,
			tool_results, metadata, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var attachments, toolCalls, toolResults, metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Channel, &m.ChannelID, &m.Direction, &m.Role, &m.Content,
			&attachments, &toolCalls, &toolResults, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if attachments.Valid && attachments.String != "" {
			_ = json.Unmarshal([]byte(attachments.String), &m.Attachments)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			_ = json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls)
		}
		if toolResults.Valid && toolResults.String != "" {
			_ = json.Unmarshal([]byte(toolResults.String), &m.ToolResults)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse DESC -> chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) GetSummary(ctx context.Context, sessionID string) (*models.Summary, error) {
	summary := &models.Summary{}
	var coversThrough sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, text, covers_through, summary_depth, updated_at
		FROM session_summaries WHERE session_id = ?
	`, sessionID).Scan(&summary.SessionID, &summary.Text, &coversThrough, &summary.SummaryDepth, &summary.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	if coversThrough.Valid {
		summary.CoversThroughTime = coversThrough.Time
	}
	return summary, nil
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, sessionID, text string, coversThrough time.Time) (*models.Summary, error) {
	existing, err := s.GetSummary(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	depth := 0
	if existing != nil {
		depth = existing.SummaryDepth + 1
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_summaries (session_id, text, covers_through, summary_depth, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET text = excluded.text, covers_through = excluded.covers_through,
			summary_depth = excluded.summary_depth, updated_at = excluded.updated_at
	`, sessionID, text, coversThrough, depth, now)
	if err != nil {
		return nil, fmt.Errorf("failed to save summary: %w", err)
	}
	return &models.Summary{
		SessionID:         sessionID,
		Text:              text,
		CoversThroughTime: coversThrough,
		SummaryDepth:      depth,
		UpdatedAt:         now,
	}, nil
}

func (s *SQLiteStore) GetTodos(ctx context.Context, sessionID string) ([]*models.Todo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content, status, priority, created_at, updated_at
		FROM session_todos WHERE session_id = ? ORDER BY priority DESC, created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get todos: %w", err)
	}
	defer rows.Close()

	var todos []*models.Todo
	for rows.Next() {
		t := &models.Todo{}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Content, &t.Status, &t.Priority, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}
		todos = append(todos, t)
	}
	return todos, rows.Err()
}

func (s *SQLiteStore) SaveTodos(ctx context.Context, sessionID string, todos []*models.Todo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_todos WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear todos: %w", err)
	}

	now := time.Now()
	for _, t := range todos {
		id := t.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_todos (id, session_id, content, status, priority, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, sessionID, t.Content, t.Status, t.Priority, createdAt, now); err != nil {
			return fmt.Errorf("failed to insert todo: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetSubSession(ctx context.Context, parentSessionID, agentName string) (*models.Session, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM sub_sessions WHERE parent_session_id = ? AND agent_name = ?
	`, parentSessionID, agentName).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up sub-session: %w", err)
	}
	return s.Get(ctx, sessionID)
}

func (s *SQLiteStore) CreateSubSession(ctx context.Context, parentSessionID, agentName, profile string) (*models.Session, error) {
	if existing, err := s.GetSubSession(ctx, parentSessionID, agentName); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	session := &models.Session{
		Profile:         profile,
		Status:          models.SessionOpen,
		AgentID:         agentName,
		ParentSessionID: parentSessionID,
		SubAgentName:    agentName,
		Key:             parentSessionID + ":" + agentName,
	}
	if err := s.Create(ctx, session); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sub_sessions (parent_session_id, agent_name, session_id) VALUES (?, ?, ?)
	`, parentSessionID, agentName, session.ID); err != nil {
		return nil, fmt.Errorf("failed to link sub-session: %w", err)
	}
	return session, nil
}

var _ Store = (*SQLiteStore)(nil)
