package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chunkcast/internal/media"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the session index in a SQLite database so a restarted
// store still knows its sessions. Chunk bytes live in BlobStorage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		producer_id TEXT NOT NULL DEFAULT '',
		extension TEXT NOT NULL DEFAULT '',
		finalized INTEGER NOT NULL DEFAULT 0,
		final_key TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS chunks (
		competition_id TEXT NOT NULL REFERENCES sessions(id),
		sequence INTEGER NOT NULL,
		extension TEXT NOT NULL,
		offset_ms INTEGER NOT NULL,
		produced_at INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		size INTEGER NOT NULL,
		blob_key TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (competition_id, sequence)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// GetSession implements Store.GetSession.
func (s *SQLiteStore) GetSession(id CompetitionID) (*SessionState, bool, error) {
	st := &SessionState{ID: id, Chunks: make(map[uint64]Chunk)}
	var ext string
	var finalized int
	var created int64
	err := s.db.QueryRow(
		`SELECT producer_id, extension, finalized, final_key, created_at FROM sessions WHERE id = ?`, string(id),
	).Scan(&st.ProducerID, &ext, &finalized, &st.FinalKey, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", id, err)
	}
	st.Extension = media.Extension(ext)
	st.Finalized = finalized != 0
	st.CreatedAt = time.UnixMilli(created).UTC()

	rows, err := s.db.Query(
		`SELECT sequence, extension, offset_ms, produced_at, duration_ns, size, blob_key, received_at
		 FROM chunks WHERE competition_id = ? ORDER BY sequence`, string(id))
	if err != nil {
		return nil, false, fmt.Errorf("load chunks %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c Chunk
		var cext string
		var produced, dur, received int64
		if err := rows.Scan(&c.Sequence, &cext, &c.OffsetMs, &produced, &dur, &c.Size, &c.BlobKey, &received); err != nil {
			return nil, false, fmt.Errorf("scan chunk: %w", err)
		}
		c.Extension = media.Extension(cext)
		if produced != 0 {
			c.ProducedAt = time.UnixMilli(produced).UTC()
		}
		c.Duration = time.Duration(dur)
		c.ReceivedAt = time.UnixMilli(received).UTC()
		st.Chunks[c.Sequence] = c
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("load chunks %s: %w", id, err)
	}
	return st, true, nil
}

// SaveSession implements Store.SaveSession.
func (s *SQLiteStore) SaveSession(st *SessionState) error {
	finalized := 0
	if st.Finalized {
		finalized = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, producer_id, extension, finalized, final_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			producer_id = excluded.producer_id,
			extension = excluded.extension,
			finalized = excluded.finalized,
			final_key = excluded.final_key`,
		string(st.ID), st.ProducerID, string(st.Extension), finalized, st.FinalKey, st.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session %s: %w", st.ID, err)
	}
	return nil
}

// SaveChunk implements Store.SaveChunk.
func (s *SQLiteStore) SaveChunk(id CompetitionID, c Chunk) error {
	var produced int64
	if !c.ProducedAt.IsZero() {
		produced = c.ProducedAt.UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO chunks
			(competition_id, sequence, extension, offset_ms, produced_at, duration_ns, size, blob_key, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), c.Sequence, string(c.Extension), c.OffsetMs, produced, int64(c.Duration), c.Size, c.BlobKey, c.ReceivedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save chunk %s/%d: %w", id, c.Sequence, err)
	}
	return nil
}

// ListSessionIDs implements Store.ListSessionIDs.
func (s *SQLiteStore) ListSessionIDs() ([]CompetitionID, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []CompetitionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, CompetitionID(id))
	}
	return ids, rows.Err()
}

// Close implements Store.Close.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
