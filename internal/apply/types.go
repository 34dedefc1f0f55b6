// Package apply implements atomic reconstruction and rollback of a
// peer's appearance state on the receiving side (spec.md §4.10):
// resolve stored components into a concrete Appearance, hand it to
// the AppearanceSink, and keep a bounded transaction history so a
// failed or unwanted apply can be undone.
package apply

import (
	"time"

	"github.com/syncmesh/modsync/internal/component"
)

// MaxTransactionHistory bounds the per-process transaction stack
// (spec.md §3: "the last N transactions (N=10) form a bounded stack").
const MaxTransactionHistory = 10

// AppearanceSink is the external collaborator spec.md §1 names: the
// game-integration layer that applies a reconstructed Appearance to a
// named in-game target. This is the only boundary the apply service
// crosses into the host application.
type AppearanceSink interface {
	// IsReady reports whether playerID's target can currently accept
	// an apply. ApplyOutfitAtomic polls this for up to ApplyReadyTimeout.
	IsReady(playerID string) bool
	// Apply installs appearance onto playerID's in-game character.
	Apply(appearance component.Appearance, playerID string) error
}

// AppliedState records the last successfully applied appearance for
// one player (spec.md §3).
type AppliedState struct {
	PlayerID      string
	StateHash     string
	AppliedAt     time.Time
	TransactionID string
}

// Transaction is one apply attempt's before/after snapshot (spec.md
// §3), consulted by Rollback.
type Transaction struct {
	TransactionID string
	PlayerID      string
	StateHash     string
	Start         time.Time
	End           time.Time
	Success       bool
	PreviousState *AppliedState
	NewState      *AppliedState
}
