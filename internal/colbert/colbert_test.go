package colbert

import (
	"math"
	"path/filepath"
	"testing"
)

func TestSkipListMissingFileIsEmptyNotError(t *testing.T) {
	sl, err := LoadSkipList(filepath.Join(t.TempDir(), "nonexistent-skiplist.json"))
	if err != nil {
		t.Fatalf("LoadSkipList(missing): %v", err)
	}
	if sl.Contains(42) {
		t.Fatal("empty skiplist should not contain anything")
	}
}

func TestNilSkipListContainsNothing(t *testing.T) {
	var sl SkipList
	if sl.Contains(1) {
		t.Fatal("nil SkipList.Contains should always be false")
	}
}

// TestEncoderNewMissingModel ensures New surfaces a useful error rather than
// panicking when model files are absent.
func TestEncoderNewMissingModel(t *testing.T) {
	_, err := New(
		"/tmp/nonexistent-model-osgrep-test/model_int8.onnx",
		"/tmp/nonexistent-model-osgrep-test/tokenizer.json",
		"",
		"",
		0,
	)
	if err == nil {
		t.Fatal("expected error for missing model files, got nil")
	}
}

// TestEncodeQuerySemantics and TestEncodeDocsLengthBound run the full
// inference path against a real model directory, skipped when none is
// present.
func TestEncodeQuerySemantics(t *testing.T) {
	e, err := New("../../models/colbert/onnx/model_int8.onnx", "../../models/colbert/tokenizer.json", "", "", 0)
	if err != nil {
		t.Skipf("skipping: colbert model not found: %v", err)
	}
	defer e.Close()

	qm, err := e.EncodeQuery("x")
	if err != nil {
		t.Fatalf("EncodeQuery: %v", err)
	}
	if qm.Rows != QueryMaxLen || qm.Dim != HiddenSize {
		t.Fatalf("shape = [%d,%d], want [%d,%d]", qm.Rows, qm.Dim, QueryMaxLen, HiddenSize)
	}
	if len(qm.Data) != QueryMaxLen*HiddenSize {
		t.Fatalf("len(Data) = %d, want %d", len(qm.Data), QueryMaxLen*HiddenSize)
	}

	for r := 0; r < qm.Rows; r++ {
		var sumSq float64
		for _, v := range qm.Row(r) {
			sumSq += float64(v) * float64(v)
		}
		if diff := math.Abs(math.Sqrt(sumSq) - 1.0); diff > 1e-4 {
			t.Fatalf("row %d: norm %v not ~1.0", r, math.Sqrt(sumSq))
		}
	}
}

func TestEncodeDocsLengthBound(t *testing.T) {
	e, err := New("../../models/colbert/onnx/model_int8.onnx", "../../models/colbert/tokenizer.json", "", "", 0)
	if err != nil {
		t.Skipf("skipping: colbert model not found: %v", err)
	}
	defer e.Close()

	docs, err := e.EncodeDocs([]string{"alpha", "a much longer document about many different subjects and ideas"})
	if err != nil {
		t.Fatalf("EncodeDocs: %v", err)
	}
	for i, d := range docs {
		if d.Rows < 2 || d.Rows > DocMaxLen {
			t.Fatalf("doc %d: length %d outside [2, %d]", i, d.Rows, DocMaxLen)
		}
	}
}

func TestEncodeDocsEmptyInput(t *testing.T) {
	e := &Encoder{}
	docs, err := e.EncodeDocs(nil)
	if err != nil {
		t.Fatalf("EncodeDocs(nil): %v", err)
	}
	if docs != nil {
		t.Fatalf("EncodeDocs(nil) = %v, want nil", docs)
	}
}
