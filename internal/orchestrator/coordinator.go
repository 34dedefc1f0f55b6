package orchestrator

import (
	"sync"

	"github.com/syncmesh/modsync/internal/signing"
)

// FileCompletionReceipt is emitted by a receiver once it has verified
// one file's bytes (spec.md §4.9 step 4).
type FileCompletionReceipt struct {
	SessionID        string `json:"session_id"`
	FileHash         string `json:"file_hash"`
	ReceiverSignature string `json:"receiver_signature"` // SHA-256(received_bytes)
}

// NewFileCompletionReceipt builds a receipt whose signature is the
// SHA-256 hex digest of the bytes the receiver actually got.
func NewFileCompletionReceipt(sessionID, fileHash string, receivedBytes []byte) FileCompletionReceipt {
	return FileCompletionReceipt{
		SessionID:         sessionID,
		FileHash:          fileHash,
		ReceiverSignature: signing.ReceiptDigest(receivedBytes),
	}
}

// ChannelCompletionHighFive says "this channel has sent and received
// everything it promised; it is safe to close" (GLOSSARY).
type ChannelCompletionHighFive struct {
	ChannelID      int      `json:"channel_id"`
	CompletedFiles []string `json:"completed_files"`
	ReadyToClose   bool     `json:"ready_to_close"`
}

// Session tracks every ChannelContract for one coordinated transfer
// and fires OnCompleted once all of them reach Complete.
type Session struct {
	mu        sync.Mutex
	SessionID string
	Contracts map[int]*ChannelContract

	OnCompleted func(sessionID string)
	completed   bool
}

// NewSession builds a coordinated Session from a balanced Manifest,
// deriving one ChannelContract per channel from the manifest's file
// assignments (sender side: files it must send on that channel).
func NewSession(sessionID string, manifest Manifest, receiveObligations map[int][]string) *Session {
	sendByChannel := make(map[int][]string)
	for _, f := range manifest.Files {
		sendByChannel[f.AssignedChannel] = append(sendByChannel[f.AssignedChannel], f.FileHash)
	}

	contracts := make(map[int]*ChannelContract, manifest.TotalChannels)
	for c := 0; c < manifest.TotalChannels; c++ {
		contracts[c] = NewChannelContract(c, sendByChannel[c], receiveObligations[c])
	}

	s := &Session{SessionID: sessionID, Contracts: contracts}
	// A session assigned more channels than files leaves some contracts
	// Complete from construction (see NewChannelContract); check here too,
	// since those channels never call RecordSend/RecordReceive to trigger
	// checkSessionCompleteLocked themselves.
	s.checkSessionCompleteLocked()
	return s
}

// Contract returns the contract for a channel, if any.
func (s *Session) Contract(channelID int) (*ChannelContract, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Contracts[channelID]
	return c, ok
}

// RecordSend marks fileHash sent on channelID and returns a high-five
// if that contract just reached SendComplete/Complete and every
// obligated receive is also already in.
func (s *Session) RecordSend(channelID int, fileHash string) *ChannelCompletionHighFive {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.Contracts[channelID]
	if !ok {
		return nil
	}
	if c.Status == ContractAssigned {
		_ = c.Activate()
	}
	c.MarkSent(fileHash)
	return s.highFiveIfComplete(c)
}

// RecordReceive marks fileHash received on channelID.
func (s *Session) RecordReceive(channelID int, fileHash string) *ChannelCompletionHighFive {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.Contracts[channelID]
	if !ok {
		return nil
	}
	if c.Status == ContractAssigned {
		_ = c.Activate()
	}
	c.MarkReceived(fileHash)
	return s.highFiveIfComplete(c)
}

func (s *Session) highFiveIfComplete(c *ChannelContract) *ChannelCompletionHighFive {
	if !c.IsComplete() {
		return nil
	}

	s.checkSessionCompleteLocked()

	completedFiles := make([]string, 0, len(c.CompletedSends))
	for f := range c.CompletedSends {
		completedFiles = append(completedFiles, f)
	}
	return &ChannelCompletionHighFive{ChannelID: c.ChannelID, CompletedFiles: completedFiles, ReadyToClose: true}
}

// checkSessionCompleteLocked fires OnCompleted once, the first time
// every contract in the session reaches Complete (Testable Property 7).
func (s *Session) checkSessionCompleteLocked() {
	if s.completed {
		return
	}
	for _, c := range s.Contracts {
		if !c.IsComplete() {
			return
		}
	}
	s.completed = true
	if s.OnCompleted != nil {
		go s.OnCompleted(s.SessionID)
	}
}

// IsCompleted reports whether every contract has reached Complete.
func (s *Session) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// FailChannel marks channelID's contract Failed; other contracts in
// the session continue independently (spec.md §7 propagation policy).
func (s *Session) FailChannel(channelID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.Contracts[channelID]; ok {
		_ = c.Transition(ContractFailed)
	}
}
