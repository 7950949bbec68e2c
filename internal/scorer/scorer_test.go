package scorer

import (
	"math"
	"testing"

	"github.com/screenager/osgrep-core/internal/colbert"
	"github.com/screenager/osgrep-core/internal/matrix"
	"github.com/screenager/osgrep-core/internal/pack"
)

func unitRow(dim int, seed float64) []float32 {
	row := make([]float32, dim)
	for i := range row {
		row[i] = float32(math.Sin(seed + float64(i)))
	}
	matrix.L2NormalizeRow(row)
	return row
}

func queryMatrix(rows, dim int, seed float64) *matrix.QueryMatrix {
	data := make([]float32, 0, rows*dim)
	for r := 0; r < rows; r++ {
		data = append(data, unitRow(dim, seed+float64(r))...)
	}
	return &matrix.QueryMatrix{Data: data, Rows: rows, Dim: dim}
}

func docMatrixWithIDs(ids []uint32, dim int, seed float64) *matrix.DocMatrix {
	data := make([]float32, 0, len(ids)*dim)
	for r := range ids {
		data = append(data, unitRow(dim, seed+float64(r))...)
	}
	return &matrix.DocMatrix{Data: data, TokenIDs: ids, Rows: len(ids), Dim: dim}
}

func TestMaxSimRange(t *testing.T) {
	const dim = 48
	q := queryMatrix(colbert.QueryMaxLen, dim, 0.3)
	docs := []*matrix.DocMatrix{docMatrixWithIDs([]uint32{10, 11, 12, 13}, dim, 1.1)}
	packed := pack.Pack(docs)

	scores, err := Score(q, packed, colbert.SkipList{}, []uint32{0})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores[0] < -32 || scores[0] > 32 {
		t.Fatalf("score %v outside [-32, 32]", scores[0])
	}
}

func TestSkipListEffect(t *testing.T) {
	const dim = 48
	q := queryMatrix(4, dim, 0.7)

	// doc A: real tokens [10, 11], doc B: same real tokens plus extra
	// skip-listed tokens [10, 11, 999, 998].
	docA := docMatrixWithIDs([]uint32{10, 11}, dim, 2.0)
	docB := &matrix.DocMatrix{
		Data:     append(append([]float32{}, docA.Data...), unitRow(dim, 50)...),
		TokenIDs: []uint32{10, 11, 999},
		Rows:     3,
		Dim:      dim,
	}
	docB.Data = append(docB.Data, unitRow(dim, 51)...)
	docB.TokenIDs = append(docB.TokenIDs, 998)
	docB.Rows = 4

	packed := pack.Pack([]*matrix.DocMatrix{docA, docB})
	skip := colbert.SkipList{999: {}, 998: {}}

	scores, err := Score(q, packed, skip, []uint32{0, 1})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if diff := math.Abs(float64(scores[0] - scores[1])); diff > 1e-5 {
		t.Fatalf("skip-listed extra tokens changed score: docA=%v docB=%v diff=%v", scores[0], scores[1], diff)
	}
}

func TestScoreAllSkippedIsZero(t *testing.T) {
	const dim = 48
	q := queryMatrix(4, dim, 0.2)
	doc := docMatrixWithIDs([]uint32{1, 2, 3}, dim, 9.0)
	packed := pack.Pack([]*matrix.DocMatrix{doc})
	skip := colbert.SkipList{1: {}, 2: {}, 3: {}}

	scores, err := Score(q, packed, skip, []uint32{0})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores[0] != 0 {
		t.Fatalf("all-skipped doc score = %v, want 0", scores[0])
	}
}

func TestScoreOutOfRangeIndex(t *testing.T) {
	const dim = 48
	q := queryMatrix(4, dim, 0.2)
	packed := pack.Pack([]*matrix.DocMatrix{docMatrixWithIDs([]uint32{1, 2}, dim, 1.0)})
	if _, err := Score(q, packed, colbert.SkipList{}, []uint32{5}); err == nil {
		t.Fatal("Score with out-of-range doc index: want error, got nil")
	}
}

func TestScoreOrderDeterminism(t *testing.T) {
	const dim = 48
	docs := []*matrix.DocMatrix{
		docMatrixWithIDs([]uint32{1, 2, 3}, dim, 0.1),
		docMatrixWithIDs([]uint32{4, 5, 6}, dim, 5.0),
		docMatrixWithIDs([]uint32{7, 8, 9}, dim, 9.0),
	}
	packed := pack.Pack(docs)
	q := queryMatrix(colbert.QueryMaxLen, dim, 0.1)

	s1, err := Score(q, packed, colbert.SkipList{}, []uint32{0, 1, 2})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	s2, err := Score(q, packed, colbert.SkipList{}, []uint32{0, 1, 2})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Fatalf("identical inputs produced different scores at %d: %v vs %v", i, s1[i], s2[i])
		}
	}
}

// TestRerankEndToEnd runs the full rerank path (query encode + score + sort
// + checksum) against a real model directory, skipped when none is present.
func TestRerankEndToEnd(t *testing.T) {
	enc, err := colbert.New("../../models/colbert/onnx/model_int8.onnx", "../../models/colbert/tokenizer.json", "", "", 0)
	if err != nil {
		t.Skipf("skipping: colbert model not found: %v", err)
	}
	defer enc.Close()

	texts := []string{
		"the quick brown fox jumps over the lazy dog",
		"instructions for adjusting a carburetor",
	}
	packed, err := enc.EncodeDocsPacked(texts)
	if err != nil {
		t.Fatalf("EncodeDocsPacked: %v", err)
	}

	result, err := Rerank(enc, texts[0], packed, []uint32{0, 1}, 1)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(result.Results))
	}
	if result.Results[0].Index != 0 {
		t.Fatalf("top result index = %d, want 0 (self-match)", result.Results[0].Index)
	}
}
