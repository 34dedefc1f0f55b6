package orchestrator

import (
	"fmt"
	"sync"
	"testing"
)

func TestChooseStrategyThresholds(t *testing.T) {
	const directMax = 1 << 20
	const progressiveMax = 50 << 20

	cases := []struct {
		totalBytes int64
		hasPrev    bool
		want       Strategy
	}{
		{500_000, false, StrategyDirect},
		{directMax, true, StrategyDirect},
		{directMax + 1, true, StrategyProgressive},
		{progressiveMax, true, StrategyProgressive},
		{progressiveMax + 1, false, StrategyProgressive},
		{progressiveMax + 1, true, StrategyDifferentialProgressive},
	}
	for _, tc := range cases {
		got := ChooseStrategy(tc.totalBytes, tc.hasPrev, directMax, progressiveMax)
		if got != tc.want {
			t.Errorf("ChooseStrategy(%d, %v) = %v, want %v", tc.totalBytes, tc.hasPrev, got, tc.want)
		}
	}
}

func TestBuildBalancedManifestLoadBalance(t *testing.T) {
	files := []FileSpec{
		{FileHash: "h1", GamePath: "a", SizeBytes: 100 << 20},
		{FileHash: "h2", GamePath: "b", SizeBytes: 30 << 20},
		{FileHash: "h3", GamePath: "c", SizeBytes: 30 << 20},
		{FileHash: "h4", GamePath: "d", SizeBytes: 30 << 20},
		{FileHash: "h5", GamePath: "e", SizeBytes: 10 << 20},
	}

	manifest := BuildBalancedManifest("sess", "S", "D", files, 2, 16*1024)
	if err := manifest.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	load := make(map[int]int64)
	for _, f := range manifest.Files {
		load[f.AssignedChannel] += f.SizeBytes
	}

	var maxLoad, minLoad int64 = load[0], load[0]
	for _, l := range load {
		if l > maxLoad {
			maxLoad = l
		}
		if l < minLoad {
			minLoad = l
		}
	}

	var maxFileSize int64
	for _, f := range files {
		if f.SizeBytes > maxFileSize {
			maxFileSize = f.SizeBytes
		}
	}

	if maxLoad-minLoad > maxFileSize {
		t.Errorf("channel load imbalance %d exceeds max file size %d", maxLoad-minLoad, maxFileSize)
	}
}

func TestWorkQueueNoFileSentTwiceBothChannelsActive(t *testing.T) {
	files := []FileSpec{
		{FileHash: "h1", SizeBytes: 100 << 20},
		{FileHash: "h2", SizeBytes: 30 << 20},
		{FileHash: "h3", SizeBytes: 30 << 20},
		{FileHash: "h4", SizeBytes: 30 << 20},
		{FileHash: "h5", SizeBytes: 10 << 20},
	}
	queue := NewWorkQueue(files)

	var mu sync.Mutex
	seen := make(map[string]int)
	channelUsed := make(map[int]bool)

	errs := Dispatch(queue, 2, func(channelIdx int, f FileSpec) error {
		mu.Lock()
		seen[f.FileHash]++
		channelUsed[channelIdx] = true
		mu.Unlock()
		return nil
	})

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	for hash, count := range seen {
		if count != 1 {
			t.Errorf("file %s sent %d times, want 1", hash, count)
		}
	}
	if len(seen) != len(files) {
		t.Errorf("sent %d files, want %d", len(seen), len(files))
	}
	if !queue.Drained() {
		t.Error("expected queue drained")
	}
}

func TestCoordinatedSessionCompletesWhenAllContractsComplete(t *testing.T) {
	manifest := BuildBalancedManifest("sess-coord", "S", "D",
		[]FileSpec{
			{FileHash: "h1", GamePath: "a", SizeBytes: 10},
			{FileHash: "h2", GamePath: "b", SizeBytes: 10},
		}, 2, 16)

	receiveObligations := map[int][]string{}
	for _, f := range manifest.Files {
		receiveObligations[f.AssignedChannel] = append(receiveObligations[f.AssignedChannel], f.FileHash)
	}

	var completedSessionID string
	var wg sync.WaitGroup
	wg.Add(1)

	sess := NewSession("sess-coord", manifest, receiveObligations)
	sess.OnCompleted = func(sessionID string) {
		completedSessionID = sessionID
		wg.Done()
	}

	var highFives []*ChannelCompletionHighFive
	for _, f := range manifest.Files {
		hf := sess.RecordSend(f.AssignedChannel, f.FileHash)
		if hf != nil {
			t.Fatalf("unexpected high-five before receive for %s", f.FileHash)
		}
		hf = sess.RecordReceive(f.AssignedChannel, f.FileHash)
		if hf != nil {
			highFives = append(highFives, hf)
		}
	}

	wg.Wait()

	if completedSessionID != "sess-coord" {
		t.Errorf("OnCompleted sessionID = %q, want sess-coord", completedSessionID)
	}
	if !sess.IsCompleted() {
		t.Error("expected session marked completed")
	}
	if len(highFives) != len(manifest.Files) {
		t.Errorf("expected one high-five per single-file channel, got %d", len(highFives))
	}
	for _, hf := range highFives {
		if !hf.ReadyToClose {
			t.Errorf("high-five for channel %d not ready_to_close", hf.ChannelID)
		}
	}
}

func TestContractTransitionRejectsIllegalMoves(t *testing.T) {
	c := NewChannelContract(0, []string{"h1"}, []string{"h1"})
	if err := c.Transition(ContractComplete); err == nil {
		t.Fatal("expected error transitioning directly from Assigned to Complete")
	}
	if err := c.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := c.Transition(ContractAssigned); err == nil {
		t.Fatal("expected error transitioning backwards to Assigned")
	}
}

func TestManifestValidateRejectsDuplicateHashes(t *testing.T) {
	m := Manifest{
		TotalChannels:  1,
		TotalSizeBytes: 20,
		Files: []FileAssignment{
			{FileHash: "h1", SizeBytes: 10, AssignedChannel: 0},
			{FileHash: "h1", SizeBytes: 10, AssignedChannel: 0},
		},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for duplicate file_hash")
	}
}

func TestManifestValidateRejectsSizeMismatch(t *testing.T) {
	m := Manifest{
		TotalChannels:  1,
		TotalSizeBytes: 999,
		Files: []FileAssignment{
			{FileHash: "h1", SizeBytes: 10, AssignedChannel: 0},
		},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for total_size_bytes mismatch")
	}
}

func TestManifestValidateRejectsOutOfRangeChannel(t *testing.T) {
	m := Manifest{
		TotalChannels:  1,
		TotalSizeBytes: 10,
		Files: []FileAssignment{
			{FileHash: "h1", SizeBytes: 10, AssignedChannel: 5},
		},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for out-of-range channel")
	}
}

func TestWorkQueueManyFilesAcrossManyChannels(t *testing.T) {
	var files []FileSpec
	for i := 0; i < 50; i++ {
		files = append(files, FileSpec{FileHash: fmt.Sprintf("h%d", i), SizeBytes: int64(i + 1)})
	}
	queue := NewWorkQueue(files)
	var mu sync.Mutex
	seen := make(map[string]bool)
	Dispatch(queue, 4, func(channelIdx int, f FileSpec) error {
		mu.Lock()
		seen[f.FileHash] = true
		mu.Unlock()
		return nil
	})
	if len(seen) != len(files) {
		t.Errorf("dispatched %d of %d files", len(seen), len(files))
	}
}

func TestCoordinatedSessionWithIdleChannelStillCompletes(t *testing.T) {
	// 1 file but 3 channels: channels 1 and 2 get no send/receive
	// obligations at all and must not block session completion.
	manifest := BuildBalancedManifest("sess-idle", "S", "D",
		[]FileSpec{
			{FileHash: "h1", GamePath: "a", SizeBytes: 10},
		}, 3, 16)

	receiveObligations := map[int][]string{}
	for _, f := range manifest.Files {
		receiveObligations[f.AssignedChannel] = append(receiveObligations[f.AssignedChannel], f.FileHash)
	}

	sess := NewSession("sess-idle", manifest, receiveObligations)

	for ch, c := range sess.Contracts {
		if len(c.FilesToSend) == 0 && len(c.FilesToReceive) == 0 && !c.IsComplete() {
			t.Errorf("idle channel %d should already be Complete, got %s", ch, c.Status)
		}
	}

	var completedSessionID string
	var wg sync.WaitGroup
	wg.Add(1)
	sess.OnCompleted = func(sessionID string) {
		completedSessionID = sessionID
		wg.Done()
	}

	for _, f := range manifest.Files {
		sess.RecordSend(f.AssignedChannel, f.FileHash)
		sess.RecordReceive(f.AssignedChannel, f.FileHash)
	}

	wg.Wait()
	if completedSessionID != "sess-idle" {
		t.Errorf("OnCompleted sessionID = %q, want sess-idle", completedSessionID)
	}
	if !sess.IsCompleted() {
		t.Error("expected session marked completed despite idle channels")
	}
}
