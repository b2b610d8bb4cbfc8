// Package store persists swept session history in SQLite.
//
// Each row keeps a few indexed columns and the full session snapshot as
// JSON, zstd-compressed when that saves space, with a blake3 digest of the
// uncompressed JSON checked on read.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/hubctl/internal/registry"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrCorrupt  = errors.New("store: snapshot digest mismatch")
)

const (
	codecNone = "none"
	codecZstd = "zstd"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// Store wraps the SQLite history database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: path is required")
	}
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_history (
			session_id TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER,
			started_at INTEGER NOT NULL,
			swept_at INTEGER NOT NULL,
			components INTEGER NOT NULL,
			codec TEXT NOT NULL,
			raw_size INTEGER NOT NULL,
			digest TEXT NOT NULL,
			snapshot BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_history_swept ON session_history(swept_at);`,
		`CREATE INDEX IF NOT EXISTS idx_session_history_state ON session_history(state);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: schema apply failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Digest returns the hex blake3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SaveSession writes sess, replacing any earlier row with the same id.
func (s *Store) SaveSession(ctx context.Context, sess registry.Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("store: session id required")
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	codec, blob := encodeSnapshot(raw)

	var exitCode sql.NullInt64
	if sess.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*sess.ExitCode), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO session_history
		(session_id, command, state, exit_code, started_at, swept_at, components, codec, raw_size, digest, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Command, string(sess.State), exitCode,
		sess.StartedAt.UnixMilli(), s.now().UnixNano(), len(sess.Components),
		codec, len(raw), Digest(raw), blob,
	)
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	log.Debug().
		Str("session_id", sess.ID).
		Str("codec", codec).
		Int("raw", len(raw)).
		Int("stored", len(blob)).
		Msg("store.SaveSession")
	return nil
}

// GetSession loads one persisted session.
func (s *Store) GetSession(ctx context.Context, id string) (registry.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT codec, raw_size, digest, snapshot FROM session_history WHERE session_id=?`, id)
	sess, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, err
}

// ListHistory returns up to limit sessions, most recently swept first.
// limit <= 0 returns all rows.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]registry.Session, error) {
	query := `SELECT codec, raw_size, digest, snapshot FROM session_history ORDER BY swept_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.Session
	for rows.Next() {
		sess, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Count returns the number of persisted sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_history`).Scan(&n)
	return n, err
}

// Prune deletes rows swept before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_history WHERE swept_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (registry.Session, error) {
	var (
		codec   string
		rawSize int
		digest  string
		blob    []byte
	)
	if err := row.Scan(&codec, &rawSize, &digest, &blob); err != nil {
		return registry.Session{}, err
	}
	raw, err := decodeSnapshot(codec, blob, rawSize)
	if err != nil {
		return registry.Session{}, err
	}
	if Digest(raw) != digest {
		return registry.Session{}, ErrCorrupt
	}
	var sess registry.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return registry.Session{}, fmt.Errorf("store: decode session: %w", err)
	}
	return sess, nil
}

// encodeSnapshot compresses raw unless compression does not shrink it.
func encodeSnapshot(raw []byte) (string, []byte) {
	compressed := zstdEncoder.EncodeAll(raw, nil)
	if len(compressed) >= len(raw) {
		return codecNone, raw
	}
	return codecZstd, compressed
}

func decodeSnapshot(codec string, blob []byte, rawSize int) ([]byte, error) {
	switch codec {
	case codecNone:
		return blob, nil
	case codecZstd:
		out, err := zstdDecoder.DecodeAll(blob, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("store: zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("store: zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("store: unknown codec %q", codec)
	}
}
