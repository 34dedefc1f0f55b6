package orchestrator

// FileSpec describes one file available for sync, before channel
// assignment.
type FileSpec struct {
	FileHash  string
	GamePath  string
	SizeBytes int64
}

// ChooseStrategy implements spec.md §4.9's three-way size-based
// decision: direct for small payloads, progressive for medium ones or
// when the peer has no previous manifest, differential+progressive
// once a previous manifest exists and the payload is large.
func ChooseStrategy(totalBytes int64, hasPreviousManifest bool, directMax, progressiveMax int64) Strategy {
	switch {
	case totalBytes <= directMax:
		return StrategyDirect
	case totalBytes <= progressiveMax || !hasPreviousManifest:
		return StrategyProgressive
	default:
		return StrategyDifferentialProgressive
	}
}

// BuildBalancedManifest assigns files to channels largest-first into
// the least-loaded channel (spec.md §4.9's "balanced manifest" path),
// satisfying Testable Property 6: max_channel_load - min_channel_load
// never exceeds the largest single file's size.
func BuildBalancedManifest(sessionID, senderID, receiverID string, files []FileSpec, channelCount int, chunkSize int64) Manifest {
	sorted := make([]FileSpec, len(files))
	copy(sorted, files)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].SizeBytes > sorted[j-1].SizeBytes; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	load := make([]int64, channelCount)
	assignments := make([]FileAssignment, 0, len(sorted))
	var total int64

	for _, f := range sorted {
		least := 0
		for c := 1; c < channelCount; c++ {
			if load[c] < load[least] {
				least = c
			}
		}
		load[least] += f.SizeBytes
		total += f.SizeBytes

		chunkCount := int((f.SizeBytes + chunkSize - 1) / chunkSize)
		if chunkCount == 0 {
			chunkCount = 1
		}
		assignments = append(assignments, FileAssignment{
			FileHash:        f.FileHash,
			GamePath:        f.GamePath,
			SizeBytes:       f.SizeBytes,
			AssignedChannel: least,
			ChunkCount:      chunkCount,
		})
	}

	return Manifest{
		SessionID:      sessionID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		TotalChannels:  channelCount,
		TotalSizeBytes: total,
		Files:          assignments,
	}
}
