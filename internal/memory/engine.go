package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

const rangePageSize = 128

// Engine is the SQLite-backed message log. It also implements Storage over a blob table.
type Engine struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db, now: time.Now}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			raw_content TEXT NOT NULL,
			compressed_content TEXT,
			section TEXT NOT NULL DEFAULT 'working',
			created_at TEXT NOT NULL,
			archived_in TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_archive ON messages(session_id, archived_in)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			compressed_content,
			content='messages',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		// compressed_content goes from NULL to a value exactly once, so only the first fill is indexed.
		`CREATE TRIGGER IF NOT EXISTS messages_compressed AFTER UPDATE OF compressed_content ON messages
		WHEN old.compressed_content IS NULL AND new.compressed_content IS NOT NULL BEGIN
			INSERT INTO messages_fts(rowid, compressed_content) VALUES (new.id, new.compressed_content);
		END`,
		`CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Record appends a message and returns its id. Timestamps never go backwards within a session.
func (e *Engine) Record(ctx context.Context, msg Message) (int64, error) {
	if strings.TrimSpace(msg.SessionID) == "" {
		return 0, fmt.Errorf("record message: empty session id")
	}
	if msg.Role == "" {
		return 0, fmt.Errorf("record message: empty role")
	}
	// Archives and snapshots are JSON, which cannot carry arbitrary bytes.
	if !utf8.ValidString(msg.Raw) || (msg.Compressed != nil && !utf8.ValidString(*msg.Compressed)) {
		return 0, fmt.Errorf("record message: %w", ErrInvalidUTF8)
	}
	section := msg.Section
	if section == "" {
		section = SectionWorking
	}
	if _, err := ParseSection(string(section)); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin record tx: %w", err)
	}
	defer tx.Rollback()

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	ts = ts.UTC()

	var last sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		msg.SessionID,
	).Scan(&last); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("load last timestamp: %w", err)
	}
	if last.Valid {
		if prev, err := time.Parse(time.RFC3339Nano, last.String); err == nil && ts.Before(prev) {
			ts = prev
		}
	}

	var compressed any
	if msg.Compressed != nil {
		compressed = *msg.Compressed
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, raw_content, compressed_content, section, created_at)
		VALUES (?, ?, ?, NULL, ?, ?)`,
		msg.SessionID, string(msg.Role), msg.Raw, string(section), ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}
	// A compressed form supplied up front is written in a second statement so the FTS trigger sees it.
	if compressed != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET compressed_content = ? WHERE id = ?`, compressed, id); err != nil {
			return 0, fmt.Errorf("set initial compressed content: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit record tx: %w", err)
	}
	return id, nil
}

const messageColumns = `id, session_id, role, raw_content, compressed_content, section, created_at, archived_in`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg        Message
		role       string
		section    string
		created    string
		compressed sql.NullString
		archived   sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Raw, &compressed, &section, &created, &archived); err != nil {
		return Message{}, err
	}
	msg.Role = Role(role)
	msg.Section = Section(section)
	if compressed.Valid {
		c := compressed.String
		msg.Compressed = &c
	}
	if archived.Valid {
		msg.ArchivedIn = archived.String
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		msg.Timestamp = ts
	}
	return msg, nil
}

func (e *Engine) Get(ctx context.Context, id int64) (Message, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message %d: %w", id, err)
	}
	return msg, nil
}

// Range yields the session's messages with since <= id < until in id order.
// until <= 0 leaves the range open. Pages are fetched lazily, so iterating
// again observes messages recorded in the meantime.
func (e *Engine) Range(ctx context.Context, sessionID string, since, until int64) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		cursor := since
		for {
			page, err := e.page(ctx, sessionID, cursor, until)
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
				cursor = msg.ID + 1
			}
			if len(page) < rangePageSize {
				return
			}
		}
	}
}

func (e *Engine) page(ctx context.Context, sessionID string, from, until int64) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? AND id >= ?`
	args := []any{sessionID, from}
	if until > 0 {
		query += ` AND id < ?`
		args = append(args, until)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, rangePageSize)
	return e.queryMessages(ctx, query, args...)
}

func (e *Engine) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// Pending returns unarchived non-system messages with id < before. before <= 0 means no bound.
func (e *Engine) Pending(ctx context.Context, sessionID string, before int64) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? AND archived_in IS NULL AND role != ?`
	args := []any{sessionID, string(RoleSystem)}
	if before > 0 {
		query += ` AND id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id ASC`
	return e.queryMessages(ctx, query, args...)
}

// SetCompressed back-fills compressed content once. Writing the same value again is a no-op.
func (e *Engine) SetCompressed(ctx context.Context, id int64, content string) error {
	if !utf8.ValidString(content) {
		return fmt.Errorf("set compressed content: %w", ErrInvalidUTF8)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.ExecContext(ctx,
		`UPDATE messages SET compressed_content = ? WHERE id = ? AND compressed_content IS NULL`,
		content, id,
	)
	if err != nil {
		return fmt.Errorf("set compressed content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	msg, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.Compressed != nil && *msg.Compressed == content {
		return nil
	}
	return ErrAlreadyCompressed
}

// Finalize archives a batch under recordID and fills missing compressed content in one transaction.
// It fails without changes if any message was already archived.
func (e *Engine) Finalize(ctx context.Context, batch []Message, recordID string) error {
	if recordID == "" {
		return fmt.Errorf("finalize batch: empty record id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range batch {
		if msg.Compressed != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET compressed_content = ? WHERE id = ? AND compressed_content IS NULL`,
				*msg.Compressed, msg.ID,
			); err != nil {
				return fmt.Errorf("fill compressed content %d: %w", msg.ID, err)
			}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET archived_in = ? WHERE id = ? AND archived_in IS NULL`,
			recordID, msg.ID,
		)
		if err != nil {
			return fmt.Errorf("archive message %d: %w", msg.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("archive message %d: %w", msg.ID, ErrAlreadyArchived)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize tx: %w", err)
	}
	return nil
}

// Archived returns the messages archived under recordID.
func (e *Engine) Archived(ctx context.Context, recordID string) ([]Message, error) {
	return e.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE archived_in = ? ORDER BY id ASC`, recordID)
}

// SearchCompressed runs an FTS5 match over compressed content of one session.
func (e *Engine) SearchCompressed(ctx context.Context, sessionID, query string, limit int) ([]Result, error) {
	terms := extractKeywords(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT m.id, m.compressed_content, m.created_at, bm25(messages_fts) AS rank
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE messages_fts MATCH ? AND m.session_id = ?
		ORDER BY rank ASC, m.id DESC
		LIMIT ?`,
		strings.Join(quoted, " OR "), sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search compressed: %w", err)
	}
	defer rows.Close()

	out := make([]Result, 0, limit)
	for rows.Next() {
		var (
			id      int64
			content string
			created string
			rank    float64
		)
		if err := rows.Scan(&id, &content, &created, &rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, created)
		out = append(out, Result{
			Scope:     ScopeCompressed,
			Ref:       fmt.Sprintf("message:%d", id),
			Content:   content,
			Score:     -rank,
			Timestamp: ts,
		})
	}
	return out, rows.Err()
}

// Sessions lists every session that has logged messages.
func (e *Engine) Sessions(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM messages ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (e *Engine) Stats(ctx context.Context, sessionID string) (Stats, error) {
	var st Stats
	err := e.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN archived_in IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN compressed_content IS NOT NULL THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT archived_in)
		FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&st.Messages, &st.Archived, &st.Compressed, &st.Records)
	if err != nil {
		return Stats{}, fmt.Errorf("message stats: %w", err)
	}
	return st, nil
}

func (e *Engine) Persist(ctx context.Context, key string, blob []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("persist blob: empty key")
	}
	if blob == nil {
		blob = []byte{}
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO blobs (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, blob,
	)
	if err != nil {
		return fmt.Errorf("persist blob %s: %w", key, err)
	}
	return nil
}

func (e *Engine) Load(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := e.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", key, err)
	}
	return blob, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	if _, err := e.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

func (e *Engine) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT key FROM blobs WHERE substr(key, 1, ?) = ? ORDER BY key ASC`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list blob keys: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan blob key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
