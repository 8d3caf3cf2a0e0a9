package fingerprint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDigestLedgerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indices_hash.json")
	want := map[string]string{
		"0": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"1": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	}
	if err := SaveDigests(path, want); err != nil {
		t.Fatalf("SaveDigests failed: %v", err)
	}

	got, found, err := LoadDigests(path)
	if err != nil {
		t.Fatalf("LoadDigests failed: %v", err)
	}
	if !found {
		t.Fatal("LoadDigests reported the ledger missing after save")
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("entry %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestLoadDigestsMissingFile(t *testing.T) {
	digests, found, err := LoadDigests(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing ledger should not be an error, got: %v", err)
	}
	if found {
		t.Error("found = true for a missing ledger")
	}
	if digests != nil {
		t.Errorf("expected nil map for a missing ledger, got %v", digests)
	}
}

func TestLoadDigestsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indices_hash.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadDigests(path); err == nil {
		t.Error("expected error for malformed ledger")
	}
}

func TestCorpusDigestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus_hash.json")

	if _, found, err := LoadCorpusDigest(path); err != nil || found {
		t.Fatalf("missing digest file: found=%v err=%v, want false/nil", found, err)
	}

	if err := SaveCorpusDigest(path, "cafebabecafebabecafebabecafebabe"); err != nil {
		t.Fatalf("SaveCorpusDigest failed: %v", err)
	}
	got, found, err := LoadCorpusDigest(path)
	if err != nil {
		t.Fatalf("LoadCorpusDigest failed: %v", err)
	}
	if !found {
		t.Fatal("digest not found after save")
	}
	if got != "cafebabecafebabecafebabecafebabe" {
		t.Errorf("digest = %q, want the saved value", got)
	}
}

func TestRemoveCorpusDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus_hash.json")

	// Removing a digest that was never written is not an error.
	if err := RemoveCorpusDigest(path); err != nil {
		t.Fatalf("RemoveCorpusDigest on missing file: %v", err)
	}

	if err := SaveCorpusDigest(path, "deadbeefdeadbeefdeadbeefdeadbeef"); err != nil {
		t.Fatal(err)
	}
	if err := RemoveCorpusDigest(path); err != nil {
		t.Fatalf("RemoveCorpusDigest failed: %v", err)
	}
	if _, found, _ := LoadCorpusDigest(path); found {
		t.Error("digest still present after removal")
	}
}
