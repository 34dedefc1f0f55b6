// Package transfer implements progressive file transfer (spec.md
// §4.7): per-file streaming at a fixed chunk size with per-chunk
// ack/retry semantics, a durable session store, and chunk-bitmap
// tracking of what has arrived.
package transfer

import (
	"fmt"
	"sync"
	"time"
)

// Direction distinguishes a session sending bytes from one receiving them.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

// State is the per-file transfer state machine (spec.md §4.11):
// Queued -> Streaming -> Verifying -> Done, with Streaming -> Failed
// on repeated send/receive failure and Verifying -> Failed on a SHA
// mismatch.
type State int

const (
	StateQueued State = iota
	StateStreaming
	StateVerifying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "Queued"
	case StateStreaming:
		return "Streaming"
	case StateVerifying:
		return "Verifying"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var validTransitions = map[State][]State{
	StateQueued:    {StateStreaming, StateFailed},
	StateStreaming: {StateVerifying, StateFailed},
	StateVerifying: {StateDone, StateFailed},
	StateDone:      {},
	StateFailed:    {},
}

// ErrInvalidTransition is returned when a caller attempts an illegal
// state-machine move.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("transfer: invalid transition %s -> %s", e.From, e.To)
}

// Session tracks one file transfer's progress within a larger sync
// session. FileHash/FileName mirror spec.md §3's FileChunk fields.
type Session struct {
	mu sync.Mutex

	SessionID     string
	FileName      string
	FileHash      string
	SizeBytes     int64
	ChunkSize     int64
	TotalChunks   int
	ChannelIndex  int
	Direction     Direction
	State         State
	LastActivity  time.Time
	ReceivedCount int
	Attempts      int
}

// NewSession builds a Queued session for the given file.
func NewSession(sessionID, fileName, fileHash string, sizeBytes, chunkSize int64, channelIndex int, dir Direction) *Session {
	totalChunks := int((sizeBytes + chunkSize - 1) / chunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}
	return &Session{
		SessionID:    sessionID,
		FileName:     fileName,
		FileHash:     fileHash,
		SizeBytes:    sizeBytes,
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		ChannelIndex: channelIndex,
		Direction:    dir,
		State:        StateQueued,
		LastActivity: time.Now(),
	}
}

// Transition moves the session to newState, validating the edge is
// legal per the state machine.
func (s *Session) Transition(newState State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := validTransitions[s.State]
	ok := false
	for _, a := range allowed {
		if a == newState {
			ok = true
			break
		}
	}
	if !ok {
		return &ErrInvalidTransition{From: s.State, To: newState}
	}
	s.State = newState
	s.LastActivity = time.Now()
	return nil
}

// Touch refreshes LastActivity without changing state, used after any
// chunk send/receive to keep the stale-session sweep from firing.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// IsStale reports whether the session has been idle longer than maxAge.
func (s *Session) IsStale(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.LastActivity) > maxAge
}

// key uniquely identifies a session across the (session_id, file_name)
// pair, matching spec.md §4.7's "per-(session, file) buffer".
func key(sessionID, fileName string) string {
	return sessionID + "\x00" + fileName
}

// Store is the in-memory session registry, one entry per (session_id,
// file_name) pair in flight.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Put registers or replaces a session.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[key(s.SessionID, s.FileName)] = s
}

// Get looks up a session by (sessionID, fileName).
func (st *Store) Get(sessionID, fileName string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[key(sessionID, fileName)]
	return s, ok
}

// Delete removes a session, freeing its slot.
func (st *Store) Delete(sessionID, fileName string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, key(sessionID, fileName))
}

// SweepStale drops sessions idle longer than maxAge, returning how
// many were removed (spec.md §4.7's stale-session sweep).
func (st *Store) SweepStale(maxAge time.Duration) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for k, s := range st.sessions {
		if s.IsStale(maxAge) {
			delete(st.sessions, k)
			removed++
		}
	}
	return removed
}

// List returns all sessions belonging to sessionID, for session-level
// completion bookkeeping.
func (st *Store) List(sessionID string) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*Session
	for _, s := range st.sessions {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	return out
}
