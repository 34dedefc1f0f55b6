// Package orchestrator implements the transfer orchestrator (spec.md
// §4.9): strategy selection between direct/progressive/differential
// transfer, multi-channel work-stealing dispatch, and the coordinated
// manifest/receipt/high-five completion protocol.
package orchestrator

import "fmt"

// Strategy is the chosen delivery mode for one sync, picked by total
// payload size against spec.md §4.9's fixed thresholds.
type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyProgressive
	StrategyDifferentialProgressive
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyProgressive:
		return "progressive"
	case StrategyDifferentialProgressive:
		return "differential+progressive"
	default:
		return "unknown"
	}
}

// FileAssignment is one file's placement within a TransferManifest.
type FileAssignment struct {
	FileHash        string `json:"file_hash"`
	GamePath        string `json:"game_path"`
	SizeBytes       int64  `json:"size_bytes"`
	AssignedChannel int    `json:"assigned_channel"`
	ChunkCount      int    `json:"chunk_count"`
}

// Manifest is the session-level file placement plan (spec.md §3).
type Manifest struct {
	SessionID      string           `json:"session_id"`
	SenderID       string           `json:"sender_id"`
	ReceiverID     string           `json:"receiver_id"`
	TotalChannels  int              `json:"total_channels"`
	TotalSizeBytes int64            `json:"total_size_bytes"`
	Files          []FileAssignment `json:"files"`
}

// Validate checks the manifest invariants from spec.md §3: unique
// file hashes, size sum consistency, and in-range channel assignment.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Files))
	var sum int64
	for _, f := range m.Files {
		if _, dup := seen[f.FileHash]; dup {
			return fmt.Errorf("orchestrator: duplicate file_hash %s in manifest", f.FileHash)
		}
		seen[f.FileHash] = struct{}{}
		sum += f.SizeBytes
		if f.AssignedChannel < 0 || f.AssignedChannel >= m.TotalChannels {
			return fmt.Errorf("orchestrator: file %s assigned out-of-range channel %d", f.GamePath, f.AssignedChannel)
		}
	}
	if sum != m.TotalSizeBytes {
		return fmt.Errorf("orchestrator: total_size_bytes %d does not match sum of files %d", m.TotalSizeBytes, sum)
	}
	return nil
}

// ContractStatus is the per-channel state machine (spec.md §4.11):
// Assigned -> Active -> SendComplete -> Complete, with Active -> Failed
// on unrecoverable per-file failure.
type ContractStatus int

const (
	ContractAssigned ContractStatus = iota
	ContractActive
	ContractSendComplete
	ContractComplete
	ContractFailed
)

func (s ContractStatus) String() string {
	switch s {
	case ContractAssigned:
		return "Assigned"
	case ContractActive:
		return "Active"
	case ContractSendComplete:
		return "SendComplete"
	case ContractComplete:
		return "Complete"
	case ContractFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var validContractTransitions = map[ContractStatus][]ContractStatus{
	ContractAssigned:     {ContractActive, ContractFailed},
	ContractActive:       {ContractSendComplete, ContractComplete, ContractFailed},
	ContractSendComplete: {ContractComplete, ContractFailed},
	ContractComplete:     {},
	ContractFailed:       {},
}

// ErrInvalidContractTransition signals an illegal channel-contract move.
type ErrInvalidContractTransition struct {
	From, To ContractStatus
}

func (e *ErrInvalidContractTransition) Error() string {
	return fmt.Sprintf("orchestrator: invalid contract transition %s -> %s", e.From, e.To)
}

// ChannelContract is the per-(session, channel) ledger described in
// spec.md §3.
type ChannelContract struct {
	ChannelID        int
	FilesToSend      map[string]struct{}
	FilesToReceive   map[string]struct{}
	CompletedSends   map[string]struct{}
	CompletedReceives map[string]struct{}
	TotalSendBytes   int64
	TotalReceiveBytes int64
	Status           ContractStatus
}

// NewChannelContract creates an Assigned contract for channelID with
// the given send/receive file-hash obligations.
func NewChannelContract(channelID int, filesToSend, filesToReceive []string) *ChannelContract {
	c := &ChannelContract{
		ChannelID:         channelID,
		FilesToSend:       toSet(filesToSend),
		FilesToReceive:    toSet(filesToReceive),
		CompletedSends:    make(map[string]struct{}),
		CompletedReceives: make(map[string]struct{}),
		Status:            ContractAssigned,
	}
	if c.allSendsComplete() && c.allReceivesComplete() {
		// A channel assigned no files (more channels than files to move)
		// has nothing left to do: it starts Complete rather than stalling
		// forever waiting for a send/receive that will never happen
		// (spec.md Testable Property 7).
		c.Status = ContractComplete
	}
	return c
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, i := range items {
		m[i] = struct{}{}
	}
	return m
}

// Transition moves the contract to newStatus, validating legality.
func (c *ChannelContract) Transition(newStatus ContractStatus) error {
	for _, allowed := range validContractTransitions[c.Status] {
		if allowed == newStatus {
			c.Status = newStatus
			return nil
		}
	}
	return &ErrInvalidContractTransition{From: c.Status, To: newStatus}
}

// Activate moves an Assigned contract to Active, the normal
// transition once its channel's first send or receive begins.
func (c *ChannelContract) Activate() error {
	return c.Transition(ContractActive)
}

// MarkSent records fileHash as sent, auto-advancing to SendComplete
// when every obligated send has completed.
func (c *ChannelContract) MarkSent(fileHash string) {
	c.CompletedSends[fileHash] = struct{}{}
	if c.allSendsComplete() && c.Status == ContractActive {
		_ = c.Transition(ContractSendComplete)
	}
	c.maybeComplete()
}

// MarkReceived records fileHash as received.
func (c *ChannelContract) MarkReceived(fileHash string) {
	c.CompletedReceives[fileHash] = struct{}{}
	c.maybeComplete()
}

func (c *ChannelContract) allSendsComplete() bool {
	return len(c.CompletedSends) == len(c.FilesToSend)
}

func (c *ChannelContract) allReceivesComplete() bool {
	return len(c.CompletedReceives) == len(c.FilesToReceive)
}

func (c *ChannelContract) maybeComplete() {
	if c.allSendsComplete() && c.allReceivesComplete() && c.Status != ContractComplete && c.Status != ContractFailed {
		_ = c.Transition(ContractComplete)
	}
}

// IsComplete reports whether this contract has reached the Complete
// terminal state (spec.md Testable Property 7).
func (c *ChannelContract) IsComplete() bool {
	return c.Status == ContractComplete
}
