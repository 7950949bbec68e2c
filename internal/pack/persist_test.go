package pack

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/screenager/osgrep-core/internal/matrix"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	docs := []*matrix.DocMatrix{
		docMatrix(3, 48, 0.1),
		docMatrix(2, 48, 1.5),
	}
	packed := Pack(docs)

	path := filepath.Join(t.TempDir(), "index.osgrep")
	if err := Save(packed, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.HiddenSize != packed.HiddenSize {
		t.Fatalf("HiddenSize = %d, want %d", loaded.HiddenSize, packed.HiddenSize)
	}
	if !reflect.DeepEqual(loaded.Lengths, packed.Lengths) {
		t.Fatalf("Lengths mismatch: got %v, want %v", loaded.Lengths, packed.Lengths)
	}
	if !reflect.DeepEqual(loaded.Offsets, packed.Offsets) {
		t.Fatalf("Offsets mismatch: got %v, want %v", loaded.Offsets, packed.Offsets)
	}
	if !reflect.DeepEqual(loaded.Embeddings, packed.Embeddings) {
		t.Fatal("Embeddings mismatch after round trip")
	}
	if !reflect.DeepEqual(loaded.TokenIDs, packed.TokenIDs) {
		t.Fatal("TokenIDs mismatch after round trip")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.osgrep")
	if err := Save(Pack([]*matrix.DocMatrix{docMatrix(1, 48, 0.1)}), path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	copy(data, "XXXX")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load of file with bad magic: want error, got nil")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.osgrep")); err == nil {
		t.Fatal("Load of nonexistent file: want error, got nil")
	}
}
