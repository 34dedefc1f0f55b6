package apply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncmesh/modsync/internal/component"
	"github.com/syncmesh/modsync/internal/observability"
	"github.com/syncmesh/modsync/internal/validation"
)

var (
	// ErrSinkNotReady is returned when AppearanceSink.IsReady never
	// turns true within ApplyReadyTimeout (spec.md §4.10 step 1).
	ErrSinkNotReady = errors.New("apply: sink did not become ready in time")
	// ErrNoSuchTransaction is returned by Rollback for an unknown id.
	ErrNoSuchTransaction = errors.New("apply: no such transaction")
)

// ApplyReadyTimeout is the fixed wait cap before ApplyOutfitAtomic
// gives up on a not-yet-ready sink.
const ApplyReadyTimeout = 5 * time.Second

const readyPollInterval = 50 * time.Millisecond

// Result is returned by ApplyOutfitAtomic.
type Result struct {
	Success bool
	State   *AppliedState
	Err     error
}

// Service owns the applied-state map and bounded transaction history;
// callers must not mutate either directly (spec.md §5's shared-resource
// policy).
type Service struct {
	sink   AppearanceSink
	store  *component.Store
	logger *observability.Logger

	mu            sync.Mutex
	appliedStates map[string]*AppliedState
	transactions  []*Transaction // oldest first, bounded to MaxTransactionHistory
	txByID        map[string]*Transaction
}

// NewService builds an apply Service that resolves recipes via store
// and installs them through sink.
func NewService(sink AppearanceSink, store *component.Store, logger *observability.Logger) *Service {
	return &Service{
		sink:          sink,
		store:         store,
		logger:        logger,
		appliedStates: make(map[string]*AppliedState),
		txByID:        make(map[string]*Transaction),
	}
}

// ApplyOutfitAtomic reconstructs the recipe named by (playerName,
// appearanceHash) and applies it to playerID. The applied-state map
// only changes on success (spec.md §4.10, Testable Property 8).
func (s *Service) ApplyOutfitAtomic(ctx context.Context, playerID, playerName, appearanceHash string) Result {
	tx := &Transaction{
		TransactionID: uuid.NewString(),
		PlayerID:      playerID,
		StateHash:     appearanceHash,
		Start:         time.Now(),
	}

	if !s.waitUntilReady(ctx, playerID) {
		tx.End = time.Now()
		s.recordTransaction(tx)
		return Result{Err: ErrSinkNotReady}
	}

	s.mu.Lock()
	tx.PreviousState = s.appliedStates[playerID]
	s.mu.Unlock()

	appearance, err := s.store.GetAppearance(playerName, appearanceHash)
	if err != nil {
		tx.End = time.Now()
		s.recordTransaction(tx)
		return Result{Err: fmt.Errorf("apply: resolve recipe: %w", err)}
	}

	validated := validateAppearance(*appearance, s.logger)

	if err := s.sink.Apply(validated, playerID); err != nil {
		tx.End = time.Now()
		s.recordTransaction(tx)
		return Result{Err: fmt.Errorf("apply: sink rejected: %w", err)}
	}

	newState := &AppliedState{
		PlayerID:      playerID,
		StateHash:     appearanceHash,
		AppliedAt:     time.Now(),
		TransactionID: tx.TransactionID,
	}

	s.mu.Lock()
	s.appliedStates[playerID] = newState
	s.mu.Unlock()

	tx.End = time.Now()
	tx.Success = true
	tx.NewState = newState
	s.recordTransaction(tx)

	return Result{Success: true, State: newState}
}

// Rollback restores the state a transaction's PreviousState snapshot
// holds, or removes the player entry entirely if it held none
// (spec.md §4.10, Testable Property 9).
func (s *Service) Rollback(transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txByID[transactionID]
	if !ok {
		return ErrNoSuchTransaction
	}
	if tx.PreviousState == nil {
		delete(s.appliedStates, tx.PlayerID)
		return nil
	}
	s.appliedStates[tx.PlayerID] = tx.PreviousState
	return nil
}

// NeedsUpdate reports whether playerID's currently applied state_hash
// differs from stateHash, short-circuiting a redundant apply.
func (s *Service) NeedsUpdate(playerID, stateHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.appliedStates[playerID]
	if !ok {
		return true
	}
	return cur.StateHash != stateHash
}

// AppliedState returns the currently applied state for playerID, if any.
func (s *Service) AppliedState(playerID string) (*AppliedState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.appliedStates[playerID]
	return st, ok
}

// Transaction returns a recorded transaction by id, if it is still
// within the bounded history.
func (s *Service) Transaction(transactionID string) (*Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txByID[transactionID]
	return tx, ok
}

func (s *Service) recordTransaction(tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, tx)
	s.txByID[tx.TransactionID] = tx
	if len(s.transactions) > MaxTransactionHistory {
		oldest := s.transactions[0]
		delete(s.txByID, oldest.TransactionID)
		s.transactions = s.transactions[1:]
	}
}

func (s *Service) waitUntilReady(ctx context.Context, playerID string) bool {
	deadline := time.Now().Add(ApplyReadyTimeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if s.sink.IsReady(playerID) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// validateAppearance drops Penumbra mod paths whose extension isn't
// on the allow-list or that no longer exist on local disk (spec.md
// §4.10 step 3); every other field passes through unchanged.
func validateAppearance(a component.Appearance, logger *observability.Logger) component.Appearance {
	if a.Penumbra == "" {
		return a
	}
	paths := strings.Split(a.Penumbra, "\n")
	valid := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := validation.ValidateAssetExtension(p); err != nil {
			if logger != nil {
				logger.Warn(fmt.Sprintf("apply: dropping mod path with disallowed extension: %s", p))
			}
			continue
		}
		if _, err := os.Stat(p); err != nil {
			if logger != nil {
				logger.Warn(fmt.Sprintf("apply: dropping missing mod path: %s", p))
			}
			continue
		}
		valid = append(valid, p)
	}
	a.Penumbra = strings.Join(valid, "\n")
	return a
}
