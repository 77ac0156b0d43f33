// Package memory stores captured session memory.
//
// Each session is one append-only JSONL stream under
// <root>/memory/sessions/<session_id>.jsonl; that stream is the record of
// truth and what memory resources resolve to. A SQLite database with an
// FTS5 table indexes the same records for search and is rebuilt from the
// streams when it is empty. Everything is redacted before it is written.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/keboola/osiris-sub007/internal/errcode"
	"github.com/keboola/osiris-sub007/internal/fingerprint"
	"github.com/keboola/osiris-sub007/internal/jsonl"
	"github.com/keboola/osiris-sub007/internal/redact"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeFormat is fixed-width so stored timestamps compare lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// ─── Types ───────────────────────────────────────────────────────────────────

// Record is one captured memory entry.
type Record struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Kind       string         `json:"kind"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content"`
	Tags       []string       `json:"tags,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Hash       string         `json:"hash"`
	CapturedAt string         `json:"captured_at"`
}

// CaptureParams is the input for Capture.
type CaptureParams struct {
	SessionID string
	Kind      string
	Title     string
	Content   string
	Tags      []string
	Data      map[string]any
}

// CaptureResult reports what Capture did.
type CaptureResult struct {
	Record    Record `json:"record"`
	Duplicate bool   `json:"duplicate"`
}

// SearchOptions filters Search.
type SearchOptions struct {
	SessionID string
	Kind      string
	Limit     int
}

// SearchResult is a record with its FTS5 rank.
type SearchResult struct {
	Record
	Rank float64 `json:"rank"`
}

// SessionSummary is a compact view of one session stream.
type SessionSummary struct {
	ID          string `json:"id"`
	RecordCount int    `json:"record_count"`
	FirstAt     string `json:"first_at"`
	LastAt      string `json:"last_at"`
}

// Kinds accepted by Capture.
var Kinds = []string{"note", "decision", "discovery", "preference", "issue", "summary"}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds memory store configuration.
type Config struct {
	Dir              string
	MaxContentLength int
	MaxSearchResults int
	DedupeWindow     time.Duration
}

// DefaultConfig returns the configuration rooted at <root>/memory.
func DefaultConfig(root string) Config {
	return Config{
		Dir:              filepath.Join(root, "memory"),
		MaxContentLength: 8000,
		MaxSearchResults: 50,
		DedupeWindow:     15 * time.Minute,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is safe for concurrent use. Captures are serialized so that the
// stream and the index never disagree about order.
type Store struct {
	db       *sql.DB
	cfg      Config
	streams  *jsonl.Writer
	redactor *redact.Redactor
	log      *zap.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New opens the store under cfg.Dir, creating the layout and the index as
// needed. An empty index is rebuilt from the session streams.
func New(cfg Config, redactor *redact.Redactor, log *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("memory: no directory configured")
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 8000
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = 50
	}
	if redactor == nil {
		redactor = redact.New(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}

	streams, err := jsonl.NewWriter(filepath.Join(cfg.Dir, "sessions"), jsonl.CloseAfterWrite())
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	db, err := openDB("sqlite", filepath.Join(cfg.Dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("memory: open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("memory: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg, streams: streams, redactor: redactor, log: log, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: migration: %w", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: counting records: %w", err)
	}
	if count == 0 {
		n, err := s.Rebuild()
		if err != nil {
			db.Close()
			return nil, err
		}
		if n > 0 {
			log.Info("memory index rebuilt from session streams", zap.Int("records", n))
		}
	}
	return s, nil
}

// Close closes the index and the streams.
func (s *Store) Close() error {
	serr := s.streams.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return serr
}

// Ping checks that the index is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SessionPath is the stream file of sessionID.
func (s *Store) SessionPath(sessionID string) string {
	return s.streams.Path(sessionID + ".jsonl")
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT    NOT NULL UNIQUE,
			session_id  TEXT    NOT NULL,
			kind        TEXT    NOT NULL,
			title       TEXT    NOT NULL DEFAULT '',
			content     TEXT    NOT NULL,
			tags        TEXT    NOT NULL DEFAULT '',
			data        TEXT,
			hash        TEXT    NOT NULL,
			captured_at TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rec_session  ON records(session_id);
		CREATE INDEX IF NOT EXISTS idx_rec_kind     ON records(kind);
		CREATE INDEX IF NOT EXISTS idx_rec_captured ON records(captured_at DESC);
		CREATE INDEX IF NOT EXISTS idx_rec_dedupe   ON records(session_id, hash, captured_at DESC);

		CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
			title,
			content,
			tags,
			kind,
			content='records',
			content_rowid='rowid'
		);

		CREATE TRIGGER IF NOT EXISTS rec_fts_insert AFTER INSERT ON records BEGIN
			INSERT INTO records_fts(rowid, title, content, tags, kind)
			VALUES (new.rowid, new.title, new.content, new.tags, new.kind);
		END;

		CREATE TRIGGER IF NOT EXISTS rec_fts_delete AFTER DELETE ON records BEGIN
			INSERT INTO records_fts(records_fts, rowid, title, content, tags, kind)
			VALUES ('delete', old.rowid, old.title, old.content, old.tags, old.kind);
		END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// ─── Capture ─────────────────────────────────────────────────────────────────

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidSessionID reports whether id can name a session stream.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// Capture redacts p, appends it to the session stream and indexes it. The
// same content captured again in one session within the dedupe window
// returns the earlier record and writes nothing.
func (s *Store) Capture(p CaptureParams) (*CaptureResult, error) {
	if !ValidSessionID(p.SessionID) {
		return nil, errcode.New(errcode.InvalidArgs, "session_id must match [A-Za-z0-9._-]{1,128}").
			WithDetail("field", "session_id")
	}
	kind := strings.ToLower(strings.TrimSpace(p.Kind))
	if kind == "" {
		kind = "note"
	}
	if !validKind(kind) {
		return nil, errcode.New(errcode.InvalidArgs, "unsupported kind "+kind).
			WithDetail("field", "kind").
			WithDetail("allowed", Kinds)
	}

	content := redact.Text(stripPrivateTags(p.Content))
	if content == "" {
		return nil, errcode.New(errcode.MissingField, "content")
	}
	if len(content) > s.cfg.MaxContentLength {
		content = truncate(content, s.cfg.MaxContentLength) + "... [truncated]"
	}
	title := redact.Text(stripPrivateTags(p.Title))
	tags := normalizeTags(p.Tags)
	var data map[string]any
	if len(p.Data) > 0 {
		data = s.redactor.Arguments(p.Data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	hash := hashNormalized(kind + "\x00" + title + "\x00" + content)
	if existing, ok, err := s.recentDuplicate(p.SessionID, hash, now); err != nil {
		return nil, err
	} else if ok {
		return &CaptureResult{Record: *existing, Duplicate: true}, nil
	}

	rec := Record{
		ID:         "mem_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		SessionID:  p.SessionID,
		Kind:       kind,
		Title:      title,
		Content:    content,
		Tags:       tags,
		Data:       data,
		Hash:       hash,
		CapturedAt: now.Format(timeFormat),
	}
	if err := s.streams.Append(p.SessionID+".jsonl", rec); err != nil {
		return nil, fmt.Errorf("memory: appending to session stream: %w", err)
	}
	if err := s.index(rec); err != nil {
		return nil, fmt.Errorf("memory: indexing record: %w", err)
	}
	return &CaptureResult{Record: rec}, nil
}

func (s *Store) recentDuplicate(sessionID, hash string, now time.Time) (*Record, bool, error) {
	window := s.cfg.DedupeWindow
	if window <= 0 {
		return nil, false, nil
	}
	since := now.Add(-window).Format(timeFormat)
	rows, err := s.db.Query(
		`SELECT id, session_id, kind, title, content, tags, data, hash, captured_at
		 FROM records
		 WHERE session_id = ? AND hash = ? AND captured_at >= ?
		 ORDER BY captured_at DESC
		 LIMIT 1`,
		sessionID, hash, since,
	)
	if err != nil {
		return nil, false, fmt.Errorf("memory: dedupe lookup: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	rec, err := scanRecord(rows, nil)
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *Store) index(rec Record) error {
	var data any
	if len(rec.Data) > 0 {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			return err
		}
		data = string(raw)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO records (id, session_id, kind, title, content, tags, data, hash, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Kind, rec.Title, rec.Content,
		strings.Join(rec.Tags, " "), data, rec.Hash, rec.CapturedAt,
	)
	return err
}

// Rebuild reindexes every session stream and returns the number of records
// indexed. Malformed lines are skipped and logged.
func (s *Store) Rebuild() (int, error) {
	files, err := filepath.Glob(filepath.Join(s.streams.Dir(), "*.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("memory: listing sessions: %w", err)
	}
	sort.Strings(files)
	total := 0
	for _, f := range files {
		raws, skipped, err := jsonl.ReadFile(f)
		if err != nil {
			s.log.Warn("skipping unreadable session stream", zap.String("file", f), zap.Error(err))
			continue
		}
		for _, raw := range raws {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil || rec.ID == "" || rec.SessionID == "" {
				skipped++
				continue
			}
			if err := s.index(rec); err != nil {
				return total, fmt.Errorf("memory: reindexing %s: %w", f, err)
			}
			total++
		}
		if skipped > 0 {
			s.log.Warn("skipped malformed memory records", zap.String("file", f), zap.Int("skipped", skipped))
		}
	}
	return total, nil
}

// ─── Search (FTS5) ───────────────────────────────────────────────────────────

// Search runs a full-text query over captured records. An empty query
// returns the most recent records.
func (s *Store) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > s.cfg.MaxSearchResults {
		limit = s.cfg.MaxSearchResults
	}

	ftsQuery := sanitizeFTS(query)

	var (
		sqlStr string
		args   []any
	)
	if ftsQuery == "" {
		sqlStr = `
			SELECT r.id, r.session_id, r.kind, r.title, r.content, r.tags, r.data, r.hash, r.captured_at, 0 AS rank
			FROM records r
			WHERE 1 = 1`
	} else {
		sqlStr = `
			SELECT r.id, r.session_id, r.kind, r.title, r.content, r.tags, r.data, r.hash, r.captured_at, fts.rank
			FROM records_fts fts
			JOIN records r ON r.rowid = fts.rowid
			WHERE records_fts MATCH ?`
		args = append(args, ftsQuery)
	}
	if opts.SessionID != "" {
		sqlStr += " AND r.session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Kind != "" {
		sqlStr += " AND r.kind = ?"
		args = append(args, strings.ToLower(opts.Kind))
	}
	if ftsQuery == "" {
		sqlStr += " ORDER BY r.captured_at DESC, r.rowid DESC LIMIT ?"
	} else {
		sqlStr += " ORDER BY fts.rank LIMIT ?"
	}
	args = append(args, limit)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	results := []SearchResult{}
	for rows.Next() {
		var rank float64
		rec, err := scanRecord(rows, &rank)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Record: rec, Rank: rank})
	}
	return results, rows.Err()
}

// Sessions lists every indexed session, ordered by id.
func (s *Store) Sessions() ([]SessionSummary, error) {
	rows, err := s.db.Query(
		`SELECT session_id, COUNT(*), MIN(captured_at), MAX(captured_at)
		 FROM records GROUP BY session_id ORDER BY session_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: sessions: %w", err)
	}
	defer rows.Close()
	out := []SessionSummary{}
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.ID, &ss.RecordCount, &ss.FirstAt, &ss.LastAt); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func scanRecord(rows *sql.Rows, rank *float64) (Record, error) {
	var (
		rec  Record
		tags string
		data sql.NullString
	)
	dest := []any{&rec.ID, &rec.SessionID, &rec.Kind, &rec.Title, &rec.Content, &tags, &data, &rec.Hash, &rec.CapturedAt}
	if rank != nil {
		dest = append(dest, rank)
	}
	if err := rows.Scan(dest...); err != nil {
		return rec, err
	}
	if tags != "" {
		rec.Tags = strings.Fields(tags)
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &rec.Data); err != nil {
			return rec, fmt.Errorf("memory: decoding record data: %w", err)
		}
	}
	return rec, nil
}

func validKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

var tagCleaner = regexp.MustCompile(`[^a-z0-9._-]+`)

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = tagCleaner.ReplaceAllString(strings.ToLower(strings.TrimSpace(t)), "-")
		t = strings.Trim(t, "-")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func hashNormalized(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	return fingerprint.Sum(fingerprint.MemoryDomain, []byte(normalized))
}

// privateTagRegex matches <private>...</private> tags and their contents.
var privateTagRegex = regexp.MustCompile(`(?is)<private>.*?</private>`)

// stripPrivateTags removes all <private>...</private> content from a string.
func stripPrivateTags(s string) string {
	result := privateTagRegex.ReplaceAllString(s, "[REDACTED]")
	return strings.TrimSpace(result)
}

// sanitizeFTS wraps each word in quotes for safe FTS5 queries.
// "fix auth bug" → `"fix" "auth" "bug"`
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}

// Exists reports whether a stream exists for sessionID.
func (s *Store) Exists(sessionID string) bool {
	_, err := os.Stat(s.SessionPath(sessionID))
	return err == nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
