package denseenc

import (
	"math"
	"testing"
)

// TestEncoderNewMissingModel ensures New returns a useful error if the model
// files are missing, rather than panicking inside onnxruntime_go.
func TestEncoderNewMissingModel(t *testing.T) {
	_, err := New("/tmp/nonexistent-model-osgrep-test/model.onnx", "/tmp/nonexistent-model-osgrep-test/tokenizer.json", "", 0)
	if err == nil {
		t.Fatal("expected error for missing model files, got nil")
	}
}

func TestEncodeBatchEmptyInput(t *testing.T) {
	e := &Encoder{}
	_, err := e.EncodeBatch(nil, true)
	if err != ErrEmptyInput {
		t.Fatalf("EncodeBatch(nil): err = %v, want ErrEmptyInput", err)
	}
}

// TestEncodeDenseSemantics runs the full inference path against a real model
// directory, skipped when none is present.
func TestEncodeDenseSemantics(t *testing.T) {
	e, err := New("../../models/dense/onnx/model.onnx", "../../models/dense/tokenizer.json", "", 0)
	if err != nil {
		t.Skipf("skipping: dense model not found: %v", err)
	}
	defer e.Close()

	vecs, err := e.EncodeBatch([]string{"hello world"}, true)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if len(vecs) != HiddenSize {
		t.Fatalf("len(vecs) = %d, want %d", len(vecs), HiddenSize)
	}

	var sumSq float64
	for _, v := range vecs {
		sumSq += float64(v) * float64(v)
	}
	if diff := math.Abs(sumSq - 1.0); diff > 1e-5 {
		t.Fatalf("sum of squares = %v, want ~1.0 (diff %v)", sumSq, diff)
	}
}
