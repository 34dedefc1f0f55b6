package diffsync

import (
	"path/filepath"
	"testing"
)

func TestComputeDeltaDetectsChangedAndNewFiles(t *testing.T) {
	previous := BuildManifest("Alice", map[string]string{
		"a.mdl": "HASH1",
		"b.tex": "HASH2",
	}, map[string]string{"heels": "0.0"})

	current := BuildManifest("Alice", map[string]string{
		"a.mdl": "HASH1",     // unchanged
		"b.tex": "HASH2-NEW", // changed
		"c.pap": "HASH3",     // new
	}, map[string]string{"heels": "0.05"})

	delta := ComputeDelta(current, previous)
	if delta.IsEmpty {
		t.Fatal("expected non-empty delta")
	}
	want := map[string]bool{"b.tex": true, "c.pap": true}
	if len(delta.ChangedPaths) != len(want) {
		t.Fatalf("ChangedPaths = %v, want keys of %v", delta.ChangedPaths, want)
	}
	for _, p := range delta.ChangedPaths {
		if !want[p] {
			t.Errorf("unexpected changed path %q", p)
		}
	}
	if delta.ScalarChanges["heels"] != "0.05" {
		t.Errorf("ScalarChanges[heels] = %q, want 0.05", delta.ScalarChanges["heels"])
	}
}

func TestComputeDeltaEmptyWhenIdentical(t *testing.T) {
	m := BuildManifest("Bob", map[string]string{"a.mdl": "H"}, map[string]string{"honorific": "Hero"})
	delta := ComputeDelta(m, m)
	if !delta.IsEmpty {
		t.Errorf("expected empty delta for identical manifests, got %+v", delta)
	}
}

func TestEstimateSizeSumsChangedFiles(t *testing.T) {
	delta := Delta{ChangedPaths: []string{"a.mdl", "b.tex"}}
	sizes := map[string]int64{"a.mdl": 100, "b.tex": 250}
	total := EstimateSize(delta, func(path string) int64 { return sizes[path] })
	if total != 350 {
		t.Errorf("EstimateSize = %d, want 350", total)
	}
}

func TestStorePeerManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "diffsync.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if _, found, err := store.LoadPeerManifest("peer-1"); err != nil || found {
		t.Fatalf("expected no manifest initially, found=%v err=%v", found, err)
	}

	m := BuildManifest("Carol", map[string]string{"a.mdl": "H1"}, map[string]string{"heels": "0.1"})
	if err := store.StorePeerManifest("peer-1", m); err != nil {
		t.Fatalf("StorePeerManifest: %v", err)
	}

	loaded, found, err := store.LoadPeerManifest("peer-1")
	if err != nil || !found {
		t.Fatalf("LoadPeerManifest: found=%v err=%v", found, err)
	}
	if loaded.FileHashes["a.mdl"] != "H1" {
		t.Errorf("loaded manifest mismatch: %+v", loaded)
	}
}

func TestResumeDeltaSkipsCompletedHashes(t *testing.T) {
	current := map[string]string{
		"a.mdl": "HASH1",
		"b.tex": "HASH2",
		"c.pap": "HASH3",
	}
	remaining := ResumeDelta(current, []string{"HASH1", "HASH3"})
	if len(remaining) != 1 || remaining[0] != "b.tex" {
		t.Fatalf("remaining = %v, want [b.tex]", remaining)
	}
}

func TestResumeDeltaEmptyWhenAllCompleted(t *testing.T) {
	current := map[string]string{"a.mdl": "HASH1"}
	remaining := ResumeDelta(current, []string{"HASH1"})
	if len(remaining) != 0 {
		t.Fatalf("remaining = %v, want empty", remaining)
	}
}
