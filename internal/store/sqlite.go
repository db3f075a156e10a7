package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/devcoord/devcoord/internal/models"

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

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors under concurrent flushes.
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

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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

// --- Project state ---

// SaveProjectState upserts the serialized coordination state for a project.
func (s *SQLiteStore) SaveProjectState(ctx context.Context, projectID string, st *models.ProjectState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal project state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO project_state (project_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		projectID, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save project state: %w", err)
	}
	return nil
}

// LoadProjectStates returns the saved coordination state of every project.
func (s *SQLiteStore) LoadProjectStates(ctx context.Context) (map[string]*models.ProjectState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT project_id, state FROM project_state")
	if err != nil {
		return nil, fmt.Errorf("load project states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := make(map[string]*models.ProjectState)
	for rows.Next() {
		var projectID, raw string
		if err := rows.Scan(&projectID, &raw); err != nil {
			return nil, fmt.Errorf("scan project state: %w", err)
		}
		st := &models.ProjectState{}
		if err := json.Unmarshal([]byte(raw), st); err != nil {
			return nil, fmt.Errorf("unmarshal project state %s: %w", projectID, err)
		}
		states[projectID] = st
	}
	return states, rows.Err()
}

// --- Conflicts ---

// AppendConflict inserts a newly detected conflict and its session membership.
func (s *SQLiteStore) AppendConflict(ctx context.Context, c *models.Conflict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append conflict: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conflicts (id, project_id, type, resource, detected_at, resolved, resolution_strategy, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, string(c.Type), c.Resource, c.DetectedAt,
		boolToInt(c.Resolved), c.ResolutionStrategy, c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("append conflict: %w", err)
	}

	for _, sid := range c.SessionIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO conflict_sessions (conflict_id, session_id) VALUES (?, ?)",
			c.ID, sid,
		); err != nil {
			return fmt.Errorf("append conflict session: %w", err)
		}
	}

	return tx.Commit()
}

// UpdateConflict rewrites a conflict's resolution fields and syncs any
// sessions merged into its membership since detection.
func (s *SQLiteStore) UpdateConflict(ctx context.Context, c *models.Conflict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update conflict: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		"UPDATE conflicts SET resolved=?, resolution_strategy=?, resolved_at=? WHERE id=?",
		boolToInt(c.Resolved), c.ResolutionStrategy, c.ResolvedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conflict not found: %s", c.ID)
	}

	for _, sid := range c.SessionIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO conflict_sessions (conflict_id, session_id) VALUES (?, ?)",
			c.ID, sid,
		); err != nil {
			return fmt.Errorf("update conflict session: %w", err)
		}
	}

	return tx.Commit()
}

// GetConflict retrieves one conflict with its session membership.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	c := &models.Conflict{}
	var typ string
	var resolved int
	var resolvedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, type, resource, detected_at, resolved, resolution_strategy, resolved_at
		FROM conflicts WHERE id = ?`, id,
	).Scan(&c.ID, &c.ProjectID, &typ, &c.Resource, &c.DetectedAt, &resolved, &c.ResolutionStrategy, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}

	c.Type = models.ConflictType(typ)
	c.Resolved = resolved != 0
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}

	if err := s.loadConflictSessions(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListConflicts returns conflicts ordered newest-first.
func (s *SQLiteStore) ListConflicts(ctx context.Context, filter ConflictListFilter) ([]*models.Conflict, error) {
	query := `SELECT id, project_id, type, resource, detected_at, resolved, resolution_strategy, resolved_at FROM conflicts`
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Unresolved {
		conditions = append(conditions, "resolved = 0")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY detected_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conflicts []*models.Conflict
	for rows.Next() {
		c := &models.Conflict{}
		var typ string
		var resolved int
		var resolvedAt sql.NullTime

		if err := rows.Scan(&c.ID, &c.ProjectID, &typ, &c.Resource, &c.DetectedAt, &resolved, &c.ResolutionStrategy, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Type = models.ConflictType(typ)
		c.Resolved = resolved != 0
		if resolvedAt.Valid {
			c.ResolvedAt = &resolvedAt.Time
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range conflicts {
		if err := s.loadConflictSessions(ctx, c); err != nil {
			return nil, err
		}
	}
	return conflicts, nil
}

func (s *SQLiteStore) loadConflictSessions(ctx context.Context, c *models.Conflict) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id FROM conflict_sessions WHERE conflict_id = ? ORDER BY session_id", c.ID)
	if err != nil {
		return fmt.Errorf("load conflict sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	c.SessionIDs = nil
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return fmt.Errorf("scan conflict session: %w", err)
		}
		c.SessionIDs = append(c.SessionIDs, sid)
	}
	return rows.Err()
}
