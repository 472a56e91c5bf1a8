package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Schema for the threads database.
const schema = `
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    archived BOOLEAN DEFAULT FALSE,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    parts TEXT NOT NULL,
    text_content TEXT,
    status TEXT DEFAULT 'ready',
    metadata TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_thread_sequence ON messages(thread_id, sequence);

CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    chunk INTEGER NOT NULL,
    content TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_thread ON documents(thread_id);

-- Full-text search over embedded attachment chunks
CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    content,
    content='documents',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
    INSERT INTO documents_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
    INSERT INTO documents_fts(documents_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;
`

// NewSQLiteStore opens (or creates) the SQLite database for cfg.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dbPath, err := GetDBPath(cfg)
	if err != nil {
		return nil, fmt.Errorf("get db path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	store := &SQLiteStore{db: db, cfg: cfg}
	if err := store.cleanup(); err != nil {
		slog.Warn("thread cleanup failed", "err", err)
	}
	return store, nil
}

// schemaVersion is the current schema version. Fresh databases get the full
// schema and start here; older ones run the migrations below.
const schemaVersion = 2

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

var migrations = []migration{
	{
		version:     1,
		description: "add message status and metadata columns",
		up: func(db *sql.DB) error {
			for _, stmt := range []string{
				"ALTER TABLE messages ADD COLUMN status TEXT DEFAULT 'ready'",
				"ALTER TABLE messages ADD COLUMN metadata TEXT",
				"ALTER TABLE threads ADD COLUMN metadata TEXT",
			} {
				if _, err := db.Exec(stmt); err != nil && !isDuplicateColumnError(err) {
					return err
				}
			}
			return nil
		},
	},
	{
		// The documents tables are created by the base schema (IF NOT EXISTS),
		// so this only has to backfill the FTS index.
		version:     2,
		description: "index existing documents for search",
		up: func(db *sql.DB) error {
			_, err := db.Exec(`INSERT INTO documents_fts(documents_fts) VALUES ('rebuild')`)
			return err
		},
	},
}

// initSchema initializes the database schema and runs any pending migrations.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}
	return initSchemaFull(db, err, currentVersion)
}

func initSchemaFull(db *sql.DB, versionErr error, currentVersion int) error {
	// Detect pre-migration databases before the base schema creates tables.
	var existing int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='threads'`).Scan(&existing); err != nil {
		return fmt.Errorf("check threads table: %w", err)
	}

	// Older databases lack the columns the base schema indexes on; bring the
	// columns in first so CREATE INDEX does not fail.
	if existing > 0 && currentVersion < 1 {
		if err := migrations[0].up(db); err != nil {
			return fmt.Errorf("migration 1 (%s): %w", migrations[0].description, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if versionErr != nil && (versionErr == sql.ErrNoRows || strings.Contains(versionErr.Error(), "no such table")) {
		if existing > 0 {
			currentVersion = 0
		} else {
			currentVersion = schemaVersion
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	} else if versionErr != nil {
		return fmt.Errorf("get current version: %w", versionErr)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return fmt.Errorf("update version to %d: %w", m.version, err)
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") ||
		strings.Contains(errStr, "already exists")
}

// cleanup removes old unarchived threads based on configuration.
func (s *SQLiteStore) cleanup() error {
	ctx := context.Background()

	if s.cfg.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.MaxAgeDays)
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM threads WHERE updated_at < ? AND archived = FALSE", cutoff); err != nil {
			return fmt.Errorf("delete old threads: %w", err)
		}
	}

	if s.cfg.MaxCount > 0 {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM threads WHERE id IN (
				SELECT id FROM threads
				WHERE archived = FALSE
				ORDER BY updated_at DESC
				LIMIT -1 OFFSET ?
			)`, s.cfg.MaxCount)
		if err != nil {
			return fmt.Errorf("enforce max count: %w", err)
		}
	}
	return nil
}

// CreateThread inserts a new thread, filling in the ID and timestamps.
func (s *SQLiteStore) CreateThread(ctx context.Context, t *Thread) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Title == "" {
		t.Title = DefaultThreadTitle
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("serialize thread metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, title, provider, model, archived, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Provider, t.Model, t.Archived, string(meta), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

const threadColumns = `id, title, provider, model, archived, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var t Thread
	var meta sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Provider, &t.Model, &t.Archived, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("deserialize thread metadata: %w", err)
		}
	}
	return &t, nil
}

// GetThread retrieves a thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	return t, nil
}

// UpdateThread writes every mutable thread field and bumps updated_at.
func (s *SQLiteStore) UpdateThread(ctx context.Context, t *Thread) error {
	t.UpdatedAt = time.Now()
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("serialize thread metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET title = ?, provider = ?, model = ?, archived = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Provider, t.Model, t.Archived, string(meta), t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	return requireRow(result, "thread", t.ID)
}

// RenameThread sets the thread title.
func (s *SQLiteStore) RenameThread(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now(), id)
	if err != nil {
		return fmt.Errorf("rename thread: %w", err)
	}
	return requireRow(result, "thread", id)
}

// ArchiveThread sets or clears the archived flag.
func (s *SQLiteStore) ArchiveThread(ctx context.Context, id string, archived bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET archived = ?, updated_at = ? WHERE id = ?`, archived, time.Now(), id)
	if err != nil {
		return fmt.Errorf("archive thread: %w", err)
	}
	return requireRow(result, "thread", id)
}

// TouchThread bumps the thread's last-activity timestamp.
func (s *SQLiteStore) TouchThread(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

// DeleteThread removes a thread with its messages and documents.
func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	// Foreign key cascade handles messages and documents
	result, err := s.db.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return requireRow(result, "thread", id)
}

// ListThreads returns threads ordered by last activity.
func (s *SQLiteStore) ListThreads(ctx context.Context, opts ListOptions) ([]Thread, error) {
	limit := opts.Limit
	if limit == 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE archived = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, opts.Archived, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

// AddMessage appends a message to its thread.
// If msg.Sequence < 0, the sequence number is allocated atomically.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Status == "" {
		msg.Status = StatusReady
	}
	partsJSON, metaJSON, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if msg.Sequence < 0 {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(sequence) FROM messages WHERE thread_id = ?`, msg.ThreadID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("get max sequence: %w", err)
		}
		msg.Sequence = 0
		if maxSeq.Valid {
			msg.Sequence = int(maxSeq.Int64) + 1
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, parts, text_content, status, metadata, created_at, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, string(msg.Role), partsJSON, msg.Text(), string(msg.Status), metaJSON,
		msg.CreatedAt, msg.Sequence)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE threads SET updated_at = ? WHERE id = ?", time.Now(), msg.ThreadID); err != nil {
		return fmt.Errorf("update thread timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpdateMessage rewrites the content, status and metadata of a message.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	partsJSON, metaJSON, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET parts = ?, text_content = ?, status = ?, metadata = ?
		WHERE id = ?`,
		partsJSON, msg.Text(), string(msg.Status), metaJSON, msg.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return requireRow(result, "message", msg.ID)
}

const messageColumns = `id, thread_id, role, parts, status, metadata, created_at, sequence`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var partsJSON string
	var status, meta sql.NullString
	if err := row.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &partsJSON, &status, &meta, &msg.CreatedAt, &msg.Sequence); err != nil {
		return nil, err
	}
	if err := msg.SetPartsFromJSON(partsJSON); err != nil {
		return nil, fmt.Errorf("deserialize parts: %w", err)
	}
	if status.Valid {
		msg.Status = MessageStatus(status.String)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("deserialize message metadata: %w", err)
		}
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return msg, nil
}

// ListMessages returns all messages of a thread in sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id = ?
		ORDER BY sequence ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// AddDocuments stores embedded attachment chunks for a thread.
func (s *SQLiteStore) AddDocuments(ctx context.Context, threadID string, docs []Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO documents (thread_id, name, chunk, content) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare document insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		if _, err := stmt.ExecContext(ctx, threadID, d.Name, d.Chunk, d.Content); err != nil {
			return fmt.Errorf("insert document %s#%d: %w", d.Name, d.Chunk, err)
		}
	}
	return tx.Commit()
}

// SearchDocuments finds the thread's document chunks matching query using FTS5.
func (s *SQLiteStore) SearchDocuments(ctx context.Context, threadID, query string, limit int) ([]Document, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.thread_id, d.name, d.chunk, d.content
		FROM documents_fts f
		JOIN documents d ON d.id = f.rowid
		WHERE documents_fts MATCH ? AND d.thread_id = ?
		ORDER BY rank
		LIMIT ?`, match, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ThreadID, &d.Name, &d.Chunk, &d.Content); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeMessage(msg *Message) (string, string, error) {
	partsJSON, err := msg.PartsJSON()
	if err != nil {
		return "", "", fmt.Errorf("serialize parts: %w", err)
	}
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("serialize message metadata: %w", err)
	}
	return partsJSON, string(meta), nil
}

func requireRow(result sql.Result, kind, id string) error {
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%s not found: %s", kind, id)
	}
	return nil
}

// ftsQuery turns free text into an FTS5 OR-query of quoted terms so user input
// cannot inject query syntax.
func ftsQuery(text string) string {
	terms := searchTerms(text)
	for i, term := range terms {
		terms[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	return strings.Join(terms, " OR ")
}

func searchTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '_' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	})
}
