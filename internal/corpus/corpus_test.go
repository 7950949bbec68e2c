package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/screenager/osgrep-core/internal/registry"
)

func TestOpenEmptyDir(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, 512)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	s := idx.Stats()
	if s.NumChunks != 0 || s.NumFiles != 0 {
		t.Fatalf("fresh index stats = %+v, want zero", s)
	}
}

func TestAddFileSkipsUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, 512)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	binPath := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(binPath, []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}

	skipped, err := idx.AddFile(binPath)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if skipped {
		t.Fatal("unsupported file should report skipped=false (not indexed, not cached)")
	}
	if idx.Stats().NumChunks != 0 {
		t.Fatal("unsupported file should not contribute chunks")
	}
}

func TestAddFileSkipsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, 1) // 1 KB limit
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	bigPath := filepath.Join(t.TempDir(), "big.go")
	content := make([]byte, 4096)
	for i := range content {
		content[i] = 'a'
	}
	if err := os.WriteFile(bigPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	skipped, err := idx.AddFile(bigPath)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if skipped {
		t.Fatal("oversized file should report skipped=false")
	}
	if idx.Stats().NumChunks != 0 {
		t.Fatal("oversized file should not contribute chunks")
	}
}

// TestAddFileWithoutInitializedEncodersIsNoop exercises the path where the
// registry has no live encoders: AddFileCtx should log and skip rather than
// fail the whole indexing run, matching how the rest of this package treats
// a single bad file as non-fatal.
func TestAddFileWithoutInitializedEncodersIsNoop(t *testing.T) {
	registry.Reset()

	dir := t.TempDir()
	idx, err := Open(dir, 512)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	srcPath := filepath.Join(t.TempDir(), "main.go")
	if err := os.WriteFile(srcPath, []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := idx.AddFileCtx(context.Background(), srcPath); err != nil {
		t.Fatalf("AddFileCtx: %v", err)
	}
	if idx.Stats().NumChunks != 0 {
		t.Fatal("encode failure should leave the index untouched, not panic or add partial chunks")
	}
}

func TestSearchOnEmptyIndexReturnsNil(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, 512)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	results, err := idx.Search("anything", 5)
	if err != nil {
		t.Fatalf("Search on empty index: %v", err)
	}
	if results != nil {
		t.Fatalf("Search on empty index = %v, want nil", results)
	}
}

func TestFlushWritesFilesOnlyWhenDirty(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, 512)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := idx.Flush(); err != nil {
		t.Fatalf("Flush on clean index: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
		t.Fatal("Flush on a never-dirtied index should not write meta.json")
	}
}
