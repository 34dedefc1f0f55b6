package transfer

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// PersistentStore durably records TransferSession state and chunk
// bitmaps so an interrupted session can resume after a process
// restart, backed by a local SQLite file (modernc.org/sqlite, a
// cgo-free driver).
type PersistentStore struct {
	db *sql.DB
}

// OpenPersistentStore opens (creating if absent) a sqlite-backed store
// at path.
func OpenPersistentStore(path string) (*PersistentStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("transfer: open sqlite: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS transfer_sessions (
			session_id   TEXT NOT NULL,
			file_name    TEXT NOT NULL,
			file_hash    TEXT NOT NULL,
			size_bytes   INTEGER NOT NULL,
			chunk_size   INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			channel_idx  INTEGER NOT NULL,
			direction    INTEGER NOT NULL,
			state        INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (session_id, file_name)
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_bitmaps (
			session_id TEXT NOT NULL,
			file_name  TEXT NOT NULL,
			bits       BLOB NOT NULL,
			PRIMARY KEY (session_id, file_name)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("transfer: create schema: %w", err)
		}
	}

	return &PersistentStore{db: db}, nil
}

// Close closes the underlying database handle.
func (p *PersistentStore) Close() error {
	return p.db.Close()
}

// SaveSession upserts a session's current state.
func (p *PersistentStore) SaveSession(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := p.db.Exec(`
		INSERT INTO transfer_sessions
			(session_id, file_name, file_hash, size_bytes, chunk_size, total_chunks, channel_idx, direction, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, file_name) DO UPDATE SET
			state = excluded.state, updated_at = excluded.updated_at`,
		s.SessionID, s.FileName, s.FileHash, s.SizeBytes, s.ChunkSize, s.TotalChunks,
		s.ChannelIndex, int(s.Direction), int(s.State), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("transfer: save session: %w", err)
	}
	return nil
}

// LoadSession reconstructs a Session row, if present.
func (p *PersistentStore) LoadSession(sessionID, fileName string) (*Session, error) {
	row := p.db.QueryRow(`
		SELECT file_hash, size_bytes, chunk_size, total_chunks, channel_idx, direction, state
		FROM transfer_sessions WHERE session_id = ? AND file_name = ?`, sessionID, fileName)

	var fileHash string
	var sizeBytes, chunkSize int64
	var totalChunks, channelIdx, direction, state int
	if err := row.Scan(&fileHash, &sizeBytes, &chunkSize, &totalChunks, &channelIdx, &direction, &state); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("transfer: load session: %w", err)
	}

	return &Session{
		SessionID:    sessionID,
		FileName:     fileName,
		FileHash:     fileHash,
		SizeBytes:    sizeBytes,
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		ChannelIndex: channelIdx,
		Direction:    Direction(direction),
		State:        State(state),
		LastActivity: time.Now(),
	}, nil
}

// DeleteSession removes a session and its bitmap row.
func (p *PersistentStore) DeleteSession(sessionID, fileName string) error {
	if _, err := p.db.Exec(`DELETE FROM transfer_sessions WHERE session_id = ? AND file_name = ?`, sessionID, fileName); err != nil {
		return fmt.Errorf("transfer: delete session: %w", err)
	}
	if _, err := p.db.Exec(`DELETE FROM chunk_bitmaps WHERE session_id = ? AND file_name = ?`, sessionID, fileName); err != nil {
		return fmt.Errorf("transfer: delete bitmap: %w", err)
	}
	return nil
}

// ListSessions returns every persisted session for sessionID, used to
// resume after a restart.
func (p *PersistentStore) ListSessions(sessionID string) ([]*Session, error) {
	rows, err := p.db.Query(`
		SELECT file_name, file_hash, size_bytes, chunk_size, total_chunks, channel_idx, direction, state
		FROM transfer_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transfer: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var fileName, fileHash string
		var sizeBytes, chunkSize int64
		var totalChunks, channelIdx, direction, state int
		if err := rows.Scan(&fileName, &fileHash, &sizeBytes, &chunkSize, &totalChunks, &channelIdx, &direction, &state); err != nil {
			return nil, fmt.Errorf("transfer: scan session: %w", err)
		}
		out = append(out, &Session{
			SessionID:    sessionID,
			FileName:     fileName,
			FileHash:     fileHash,
			SizeBytes:    sizeBytes,
			ChunkSize:    chunkSize,
			TotalChunks:  totalChunks,
			ChannelIndex: channelIdx,
			Direction:    Direction(direction),
			State:        State(state),
			LastActivity: time.Now(),
		})
	}
	return out, rows.Err()
}

// SaveBitmap persists the packed bits for a (session, file) bitmap.
func (p *PersistentStore) SaveBitmap(sessionID, fileName string, bitmap *Bitmap) error {
	_, err := p.db.Exec(`
		INSERT INTO chunk_bitmaps (session_id, file_name, bits) VALUES (?, ?, ?)
		ON CONFLICT(session_id, file_name) DO UPDATE SET bits = excluded.bits`,
		sessionID, fileName, bitmap.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("transfer: save bitmap: %w", err)
	}
	return nil
}

// LoadBitmap restores a previously persisted bitmap into bitmap's
// existing allocation (bitmap must already be sized for the file's
// total chunk count).
func (p *PersistentStore) LoadBitmap(sessionID, fileName string, bitmap *Bitmap) (bool, error) {
	row := p.db.QueryRow(`SELECT bits FROM chunk_bitmaps WHERE session_id = ? AND file_name = ?`, sessionID, fileName)
	var bits []byte
	if err := row.Scan(&bits); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("transfer: load bitmap: %w", err)
	}
	bitmap.LoadBytes(bits)
	return true, nil
}
