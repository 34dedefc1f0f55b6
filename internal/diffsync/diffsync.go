// Package diffsync implements differential sync (spec.md §4.8):
// manifest diffing against a per-peer last-known state, persisted in
// a local boltdb key-value store so the next sync after a restart is
// still relative to the last acknowledged state.
package diffsync

import (
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
)

var bucketName = []byte("last_known_manifest")

// Manifest is the compact, hash-only view of one peer's current
// appearance (spec.md §4.8): per-file content hashes plus scalar
// fields, enough to diff without touching file bytes.
type Manifest struct {
	PlayerName   string            `json:"player_name"`
	FileHashes   map[string]string `json:"file_hashes"` // game_path -> hash
	ScalarFields map[string]string `json:"scalar_fields"`
}

// Delta is the result of comparing a current Manifest against the
// previously acknowledged one.
type Delta struct {
	FilesToSend   map[string][]byte `json:"-"` // game_path -> blob, populated by caller
	ChangedPaths  []string          `json:"changed_paths"`
	ScalarChanges map[string]string `json:"scalar_changes"`
	IsEmpty       bool              `json:"is_empty"`
}

// BuildManifest derives a Manifest from a player's current appearance
// fields and resolved file hashes.
func BuildManifest(playerName string, fileHashes map[string]string, scalarFields map[string]string) Manifest {
	return Manifest{PlayerName: playerName, FileHashes: fileHashes, ScalarFields: scalarFields}
}

// ComputeDelta computes which files changed between current and previous.
// A file appears in ChangedPaths iff its hash differs (including
// being newly present); FilesToSend is left for the caller to
// populate from FileCache once it knows which blobs to attach.
func ComputeDelta(current, previous Manifest) Delta {
	var changed []string
	for path, hash := range current.FileHashes {
		if prevHash, ok := previous.FileHashes[path]; !ok || prevHash != hash {
			changed = append(changed, path)
		}
	}

	scalarChanges := make(map[string]string)
	for field, value := range current.ScalarFields {
		if prevValue, ok := previous.ScalarFields[field]; !ok || prevValue != value {
			scalarChanges[field] = value
		}
	}

	return Delta{
		ChangedPaths:  changed,
		ScalarChanges: scalarChanges,
		IsEmpty:       len(changed) == 0 && len(scalarChanges) == 0,
	}
}

// ResumeDelta implements spec.md §6's recovery path: given the
// sender's current file hashes and the set of hashes a RecoveryRequest
// reports the receiver already completed, return the paths still
// needed. Unlike ComputeDelta this compares against a flat hash set
// rather than a previous Manifest, since RecoveryRequest only reports
// completed_hashes, not a full prior manifest.
func ResumeDelta(currentFileHashes map[string]string, completedHashes []string) []string {
	done := make(map[string]struct{}, len(completedHashes))
	for _, h := range completedHashes {
		done[h] = struct{}{}
	}

	var remaining []string
	for path, hash := range currentFileHashes {
		if _, ok := done[hash]; !ok {
			remaining = append(remaining, path)
		}
	}
	return remaining
}

// EstimateSize sums the byte sizes of a delta's changed files, using
// sizeOf (typically FileCache-backed) to resolve each path's size.
func EstimateSize(delta Delta, sizeOf func(path string) int64) int64 {
	var total int64
	for _, path := range delta.ChangedPaths {
		total += sizeOf(path)
	}
	return total
}

// Store persists each peer's last-known manifest in a boltdb file.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if absent) a diffsync store at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("diffsync: open boltdb: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("diffsync: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying boltdb handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// StorePeerManifest records current as peerID's last-known manifest.
// Must be called after every successful differential sync so the
// next sync is relative to the newly acknowledged state (spec.md
// §4.8's invariant).
func (s *Store) StorePeerManifest(peerID string, current Manifest) error {
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("diffsync: marshal manifest: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(peerID), data)
	})
}

// LoadPeerManifest returns the last-known manifest for peerID, or
// (Manifest{}, false, nil) if none has been recorded yet.
func (s *Store) LoadPeerManifest(peerID string) (Manifest, bool, error) {
	var m Manifest
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(peerID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return Manifest{}, false, fmt.Errorf("diffsync: load manifest: %w", err)
	}
	return m, found, nil
}
