package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// tsLayout is fixed-width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store wraps a SQLite database holding sessions, messages, analysis
// settings, the diff cache and local client state.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "lingua.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(tsLayout)
}

func parseTS(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	return t, nil
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

// CreateSession inserts a new session with a generated id.
func (s *Store) CreateSession(name, step string) (Session, error) {
	now := s.timestamp()
	if step == "" {
		step = "structure"
	}
	id := uuid.NewString()
	if _, err := s.db.Exec(`
		INSERT INTO sessions (id, name, current_step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, id, name, step, now, now,
	); err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return s.GetSession(id)
}

const sessionColumns = `id, name, current_step, created_at, updated_at, has_error, error_message, error_step, retry_data`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner, extra ...any) (Session, error) {
	var ss Session
	var createdAt, updatedAt string
	dest := append([]any{&ss.ID, &ss.Name, &ss.CurrentStep, &createdAt, &updatedAt,
		&ss.HasError, &ss.ErrorMessage, &ss.ErrorStep, &ss.RetryData}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Session{}, err
	}
	var err error
	if ss.CreatedAt, err = parseTS(createdAt); err != nil {
		return Session{}, err
	}
	if ss.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return Session{}, err
	}
	return ss, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(id string) (Session, error) {
	ss, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return ss, err
}

// ListSessions returns all sessions with their message counts, most recently
// updated first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.name, s.current_step, s.created_at, s.updated_at, s.has_error,
		       s.error_message, s.error_step, s.retry_data,
		       COUNT(m.id), COALESCE(MAX(m.timestamp), '')
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var lastMessage string
		var count int
		ss, err := scanSession(rows, &count, &lastMessage)
		if err != nil {
			return nil, err
		}
		ss.MessageCount = count
		if ss.LastMessageTime, err = parseTS(lastMessage); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// UpdateSession applies p and bumps updated_at.
func (s *Store) UpdateSession(id string, p SessionPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.timestamp()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.CurrentStep != nil {
		add("current_step", *p.CurrentStep)
	}
	if p.HasError != nil {
		add("has_error", *p.HasError)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	}
	if p.ErrorStep != nil {
		add("error_step", *p.ErrorStep)
	}
	if p.RetryData != nil {
		add("retry_data", *p.RetryData)
	}
	args = append(args, id)

	res, err := s.db.Exec(`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return affected(res)
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := affected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Messages ---

const messageColumns = `id, session_id, type, content, step, metadata, thinking, timestamp`

func scanMessage(row scanner) (Message, error) {
	var m Message
	var ts string
	if err := row.Scan(&m.ID, &m.SessionID, &m.Type, &m.Content, &m.Step, &m.Metadata, &m.Thinking, &ts); err != nil {
		return Message{}, err
	}
	t, err := parseTS(ts)
	if err != nil {
		return Message{}, err
	}
	m.Timestamp = t
	return m, nil
}

// AddMessage appends a message to its session and returns the stored row.
// The session's updated_at is bumped in the same transaction.
func (s *Store) AddMessage(m Message) (Message, error) {
	now := s.timestamp()
	if m.Metadata == "" {
		m.Metadata = "{}"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, m.SessionID)
	if err != nil {
		return Message{}, err
	}
	if err := affected(res); err != nil {
		return Message{}, err
	}

	res, err = tx.Exec(`
		INSERT INTO messages (session_id, type, content, step, metadata, thinking, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Type, m.Content, m.Step, m.Metadata, m.Thinking, now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing message: %w", err)
	}
	return s.GetMessage(id)
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(id int64) (Message, error) {
	m, err := scanMessage(s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns a session's messages in insertion order.
func (s *Store) ListMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessage applies p to a stored message.
func (s *Store) UpdateMessage(id int64, p MessagePatch) error {
	var sets []string
	var args []any
	if p.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *p.Content)
	}
	if p.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, *p.Metadata)
	}
	if p.Thinking != nil {
		sets = append(sets, "thinking = ?")
		args = append(args, *p.Thinking)
	}
	if len(sets) == 0 {
		_, err := s.GetMessage(id)
		return err
	}
	args = append(args, id)
	res, err := s.db.Exec(`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return affected(res)
}

// --- Settings ---

// Settings returns every stored setting as raw JSON text keyed by name.
func (s *Store) Settings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT setting_key, setting_value FROM user_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// PutSettings upserts JSON-encoded setting values.
func (s *Store) PutSettings(values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning settings transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	for k, v := range values {
		if _, err := tx.Exec(`
			INSERT INTO user_settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(setting_key) DO UPDATE SET setting_value = excluded.setting_value, updated_at = excluded.updated_at`,
			k, v, now,
		); err != nil {
			return fmt.Errorf("saving setting %q: %w", k, err)
		}
	}
	return tx.Commit()
}

// --- Analysis methods ---

// AnalysisMethods returns built-in methods first, then custom ones.
func (s *Store) AnalysisMethods() ([]AnalysisMethod, error) {
	rows, err := s.db.Query(`SELECT method_key, label, description, is_custom, sort_order
		FROM analysis_methods ORDER BY is_custom ASC, sort_order ASC, method_key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnalysisMethod
	for rows.Next() {
		var m AnalysisMethod
		if err := rows.Scan(&m.Key, &m.Label, &m.Description, &m.IsCustom, &m.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateCustomMethod stores a user-defined method and selects it.
func (s *Store) CreateCustomMethod(label, description string) (AnalysisMethod, error) {
	m := AnalysisMethod{
		Key:         "custom_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Label:       label,
		Description: description,
		IsCustom:    true,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return AnalysisMethod{}, fmt.Errorf("beginning method transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO analysis_methods (method_key, label, description, is_custom) VALUES (?, ?, ?, 1)`,
		m.Key, m.Label, m.Description); err != nil {
		return AnalysisMethod{}, fmt.Errorf("inserting method: %w", err)
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO selected_methods (method_key) VALUES (?)`, m.Key); err != nil {
		return AnalysisMethod{}, fmt.Errorf("selecting method: %w", err)
	}
	return m, tx.Commit()
}

// DeleteCustomMethod removes a custom method and its selection. Built-in
// methods are never deleted.
func (s *Store) DeleteCustomMethod(key string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning method transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM analysis_methods WHERE method_key = ? AND is_custom = 1`, key)
	if err != nil {
		return err
	}
	if err := affected(res); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM selected_methods WHERE method_key = ?`, key); err != nil {
		return err
	}
	return tx.Commit()
}

// SelectedMethods returns the selected method keys in key order.
func (s *Store) SelectedMethods() ([]string, error) {
	rows, err := s.db.Query(`SELECT method_key FROM selected_methods ORDER BY method_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SetSelectedMethods replaces the selection.
func (s *Store) SetSelectedMethods(keys []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning selection transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM selected_methods`); err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO selected_methods (method_key) VALUES (?)`, k); err != nil {
			return fmt.Errorf("selecting %q: %w", k, err)
		}
	}
	return tx.Commit()
}

// --- Diff cache ---

// GetDiff returns the cached value under key.
func (s *Store) GetDiff(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM diff_cache WHERE cache_key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

// PutDiff stores value under key, replacing any previous entry.
func (s *Store) PutDiff(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO diff_cache (cache_key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.timestamp(),
	)
	return err
}

// --- Client state ---

// GetState returns a locally persisted client value.
func (s *Store) GetState(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM client_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

// SetState persists a client value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO client_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.timestamp(),
	)
	return err
}
