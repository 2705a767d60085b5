package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/dispatch/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent exchanges.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Codebases ---

func (s *SQLiteStore) CreateCodebase(ctx context.Context, c *models.Codebase) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	commands, err := marshalCommands(c.Commands)
	if err != nil {
		return fmt.Errorf("create codebase: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO codebases (id, name, path, remote_url, default_backend, main_branch, max_environments, commands, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Path, c.RemoteURL, c.DefaultBackend, c.MainBranch,
		c.MaxEnvironments, commands, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create codebase: %w", err)
	}
	return nil
}

const codebaseColumns = `id, name, path, remote_url, default_backend, main_branch, max_environments, commands, created_at, updated_at`

func (s *SQLiteStore) scanCodebase(row *sql.Row) (*models.Codebase, error) {
	c := &models.Codebase{}
	var commands string
	err := row.Scan(&c.ID, &c.Name, &c.Path, &c.RemoteURL, &c.DefaultBackend,
		&c.MainBranch, &c.MaxEnvironments, &commands, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(commands), &c.Commands); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetCodebase(ctx context.Context, id string) (*models.Codebase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+codebaseColumns+` FROM codebases WHERE id = ?`, id)
	c, err := s.scanCodebase(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("codebase %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get codebase: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetCodebaseByName(ctx context.Context, name string) (*models.Codebase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+codebaseColumns+` FROM codebases WHERE name = ?`, name)
	c, err := s.scanCodebase(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("codebase %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get codebase by name: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetCodebaseByPath(ctx context.Context, path string) (*models.Codebase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+codebaseColumns+` FROM codebases WHERE path = ?`, path)
	c, err := s.scanCodebase(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("codebase at %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get codebase by path: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCodebases(ctx context.Context) ([]*models.Codebase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+codebaseColumns+` FROM codebases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list codebases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var codebases []*models.Codebase
	for rows.Next() {
		c := &models.Codebase{}
		var commands string
		if err := rows.Scan(&c.ID, &c.Name, &c.Path, &c.RemoteURL, &c.DefaultBackend,
			&c.MainBranch, &c.MaxEnvironments, &commands, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan codebase: %w", err)
		}
		if err := json.Unmarshal([]byte(commands), &c.Commands); err != nil {
			return nil, fmt.Errorf("decode commands: %w", err)
		}
		codebases = append(codebases, c)
	}
	return codebases, rows.Err()
}

func (s *SQLiteStore) UpdateCodebase(ctx context.Context, c *models.Codebase) error {
	c.UpdatedAt = time.Now().UTC()
	commands, err := marshalCommands(c.Commands)
	if err != nil {
		return fmt.Errorf("update codebase: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE codebases SET name=?, path=?, remote_url=?, default_backend=?, main_branch=?, max_environments=?, commands=?, updated_at=?
		WHERE id=?`,
		c.Name, c.Path, c.RemoteURL, c.DefaultBackend, c.MainBranch,
		c.MaxEnvironments, commands, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update codebase: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("codebase %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteCodebase(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM codebases WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete codebase: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("codebase %s: %w", id, ErrNotFound)
	}
	return nil
}

func marshalCommands(commands map[string]models.CommandDef) (string, error) {
	if len(commands) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(commands)
	if err != nil {
		return "", fmt.Errorf("encode commands: %w", err)
	}
	return string(b), nil
}

// --- Conversations ---

const conversationColumns = `id, platform_type, platform_id, codebase_id, environment_id, working_dir, backend_type, last_active_at, created_at, updated_at`

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.LastActiveAt.IsZero() {
		c.LastActiveAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PlatformType, c.PlatformID, c.CodebaseID, c.EnvironmentID,
		c.WorkingDir, c.BackendType, c.LastActiveAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	c := &models.Conversation{}
	err := row.Scan(&c.ID, &c.PlatformType, &c.PlatformID, &c.CodebaseID,
		&c.EnvironmentID, &c.WorkingDir, &c.BackendType,
		&c.LastActiveAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetConversationByPlatform(ctx context.Context, platformType, platformID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE platform_type = ? AND platform_id = ?`,
		platformType, platformID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s/%s: %w", platformType, platformID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation by platform: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, codebaseID string) ([]*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if codebaseID != "" {
		query += " WHERE codebase_id = ?"
		args = append(args, codebaseID)
	}
	query += " ORDER BY last_active_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conversations []*models.Conversation
	for rows.Next() {
		c := &models.Conversation{}
		if err := rows.Scan(&c.ID, &c.PlatformType, &c.PlatformID, &c.CodebaseID,
			&c.EnvironmentID, &c.WorkingDir, &c.BackendType,
			&c.LastActiveAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *models.Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET codebase_id=?, environment_id=?, working_dir=?, backend_type=?, last_active_at=?, updated_at=?
		WHERE id=?`,
		c.CodebaseID, c.EnvironmentID, c.WorkingDir, c.BackendType,
		c.LastActiveAt, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_active_at=?, updated_at=? WHERE id=?`, now, now, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CountConversationsByEnvironment(ctx context.Context, environmentID, excludeConversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE environment_id = ? AND id != ?`,
		environmentID, excludeConversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count conversations by environment: %w", err)
	}
	return count, nil
}

// --- Sessions ---

const sessionColumns = `id, conversation_id, resume_token, active, last_command, created_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ConversationID, sess.ResumeToken, boolToInt(sess.Active),
		sess.LastCommand, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetActiveSession(ctx context.Context, conversationID string) (*models.Session, error) {
	sess := &models.Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ? AND active = 1`,
		conversationID,
	).Scan(&sess.ID, &sess.ConversationID, &sess.ResumeToken, &sess.Active,
		&sess.LastCommand, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active session for conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, conversationID string, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE conversation_id = ? ORDER BY created_at DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		if err := rows.Scan(&sess.ID, &sess.ConversationID, &sess.ResumeToken, &sess.Active,
			&sess.LastCommand, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET resume_token=?, active=?, last_command=?, updated_at=? WHERE id=?`,
		sess.ResumeToken, boolToInt(sess.Active), sess.LastCommand, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeactivateSessions(ctx context.Context, conversationID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active=0, updated_at=? WHERE conversation_id=? AND active=1`,
		time.Now().UTC(), conversationID,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// --- Environments ---

const environmentColumns = `id, codebase_id, workflow_type, workflow_id, provider, path, branch, status, created_platform, meta, created_at, updated_at`

func (s *SQLiteStore) CreateEnvironment(ctx context.Context, e *models.Environment) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = models.EnvStatusActive
	}

	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("create environment: encode meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO environments (`+environmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CodebaseID, string(e.WorkflowType), e.WorkflowID, e.Provider,
		e.Path, e.Branch, string(e.Status), e.CreatedPlatform, string(meta),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create environment: %w", err)
	}
	return nil
}

func scanEnvironmentRow(scan func(dest ...any) error) (*models.Environment, error) {
	e := &models.Environment{}
	var wt, status, meta string
	err := scan(&e.ID, &e.CodebaseID, &wt, &e.WorkflowID, &e.Provider,
		&e.Path, &e.Branch, &status, &e.CreatedPlatform, &meta,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.WorkflowType = models.WorkflowType(wt)
	e.Status = models.EnvStatus(status)
	if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
		return nil, fmt.Errorf("decode environment meta: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*models.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE id = ?`, id)
	e, err := scanEnvironmentRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetEnvironmentByWorkflow(ctx context.Context, codebaseID string, wt models.WorkflowType, workflowID string) (*models.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+environmentColumns+` FROM environments
		WHERE codebase_id = ? AND workflow_type = ? AND workflow_id = ? AND status != 'destroyed'`,
		codebaseID, string(wt), workflowID)
	e, err := scanEnvironmentRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("environment for %s/%s: %w", wt, workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get environment by workflow: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetEnvironmentByPath(ctx context.Context, path string) (*models.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+environmentColumns+` FROM environments
		WHERE path = ? AND status != 'destroyed'`, path)
	e, err := scanEnvironmentRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("environment at %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get environment by path: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListEnvironments(ctx context.Context, filter EnvFilter) ([]*models.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE 1=1`
	var args []any

	if filter.CodebaseID != "" {
		query += " AND codebase_id = ?"
		args = append(args, filter.CodebaseID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowType != "" {
		query += " AND workflow_type = ?"
		args = append(args, string(filter.WorkflowType))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var envs []*models.Environment
	for rows.Next() {
		e, err := scanEnvironmentRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

func (s *SQLiteStore) UpdateEnvironment(ctx context.Context, e *models.Environment) error {
	e.UpdatedAt = time.Now().UTC()
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("update environment: encode meta: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE environments SET workflow_type=?, workflow_id=?, provider=?, path=?, branch=?, status=?, created_platform=?, meta=?, updated_at=?
		WHERE id=?`,
		string(e.WorkflowType), e.WorkflowID, e.Provider, e.Path, e.Branch,
		string(e.Status), e.CreatedPlatform, string(meta), e.UpdatedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update environment: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("environment %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CountActiveEnvironments(ctx context.Context, codebaseID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM environments WHERE codebase_id = ? AND status != 'destroyed'`,
		codebaseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active environments: %w", err)
	}
	return count, nil
}

// --- Workflow runs ---

const workflowRunColumns = `id, conversation_id, command, step_index, status, last_active_at, created_at, updated_at`

func (s *SQLiteStore) CreateWorkflowRun(ctx context.Context, r *models.WorkflowRun) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.LastActiveAt.IsZero() {
		r.LastActiveAt = now
	}
	if r.Status == "" {
		r.Status = models.RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (`+workflowRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.Command, r.StepIndex, string(r.Status),
		r.LastActiveAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRunningWorkflowRun(ctx context.Context, conversationID string) (*models.WorkflowRun, error) {
	r := &models.WorkflowRun{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT `+workflowRunColumns+` FROM workflow_runs
		WHERE conversation_id = ? AND status = 'running'
		ORDER BY created_at DESC LIMIT 1`, conversationID,
	).Scan(&r.ID, &r.ConversationID, &r.Command, &r.StepIndex, &status,
		&r.LastActiveAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("running workflow for conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get running workflow run: %w", err)
	}
	r.Status = models.RunStatus(status)
	return r, nil
}

func (s *SQLiteStore) ListWorkflowRuns(ctx context.Context, conversationID string, limit int) ([]*models.WorkflowRun, error) {
	query := `SELECT ` + workflowRunColumns + ` FROM workflow_runs WHERE conversation_id = ? ORDER BY created_at DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.WorkflowRun
	for rows.Next() {
		r := &models.WorkflowRun{}
		var status string
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Command, &r.StepIndex, &status,
			&r.LastActiveAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		r.Status = models.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateWorkflowRun(ctx context.Context, r *models.WorkflowRun) error {
	r.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET step_index=?, status=?, last_active_at=?, updated_at=? WHERE id=?`,
		r.StepIndex, string(r.Status), r.LastActiveAt, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("workflow run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}
