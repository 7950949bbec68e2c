package pack

import (
	"math"
	"testing"

	"github.com/screenager/osgrep-core/internal/matrix"
)

func unitRow(dim int, seed float32) []float32 {
	row := make([]float32, dim)
	for i := range row {
		row[i] = float32(math.Sin(float64(seed) + float64(i)))
	}
	matrix.L2NormalizeRow(row)
	return row
}

func docMatrix(rows, dim int, seed float32) *matrix.DocMatrix {
	data := make([]float32, 0, rows*dim)
	ids := make([]uint32, rows)
	for r := 0; r < rows; r++ {
		data = append(data, unitRow(dim, seed+float32(r))...)
		ids[r] = uint32(100 + r)
	}
	return &matrix.DocMatrix{Data: data, TokenIDs: ids, Rows: rows, Dim: dim}
}

func TestQuantizeDequantizeRoundTrip(t *testing.T) {
	row := unitRow(48, 1.0)
	for _, x := range row {
		q := Quantize(x)
		xhat := Dequantize(q)
		if diff := math.Abs(float64(x - xhat)); diff > 1.0/127.0+1e-6 {
			t.Fatalf("dequant(quant(%v)) = %v, diff %v exceeds 1/127", x, xhat, diff)
		}
	}
}

func TestQuantizeClamps(t *testing.T) {
	if q := Quantize(2.0); q != 127 {
		t.Fatalf("Quantize(2.0) = %d, want 127", q)
	}
	if q := Quantize(-2.0); q != -128 {
		t.Fatalf("Quantize(-2.0) = %d, want -128", q)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	docs := []*matrix.DocMatrix{
		docMatrix(3, 48, 0.1),
		docMatrix(5, 48, 2.0),
	}
	packed := Pack(docs)

	if err := Validate(packed); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if packed.NumDocs() != 2 {
		t.Fatalf("NumDocs() = %d, want 2", packed.NumDocs())
	}
	if packed.Offsets[0] != 0 {
		t.Fatalf("Offsets[0] = %d, want 0", packed.Offsets[0])
	}
	wantOffset1 := uint32(3 * 48)
	if packed.Offsets[1] != wantOffset1 {
		t.Fatalf("Offsets[1] = %d, want %d", packed.Offsets[1], wantOffset1)
	}

	for i, orig := range docs {
		got, err := Unpack(packed, i)
		if err != nil {
			t.Fatalf("Unpack(%d): %v", i, err)
		}
		if got.Rows != orig.Rows || got.Dim != orig.Dim {
			t.Fatalf("doc %d: shape = [%d,%d], want [%d,%d]", i, got.Rows, got.Dim, orig.Rows, orig.Dim)
		}
		for r := 0; r < got.Rows; r++ {
			var normSq float64
			for _, v := range got.Row(r) {
				normSq += float64(v) * float64(v)
			}
			norm := math.Sqrt(normSq)
			if norm < 0.98 || norm > 1.02 {
				t.Fatalf("doc %d row %d: post-quantization norm %v outside [0.98, 1.02]", i, r, norm)
			}
		}
		for r := 0; r < got.Rows; r++ {
			if got.TokenIDs[r] != orig.TokenIDs[r] {
				t.Fatalf("doc %d row %d: token id %d, want %d", i, r, got.TokenIDs[r], orig.TokenIDs[r])
			}
		}
	}
}

func TestAppendMatchesPack(t *testing.T) {
	docs := []*matrix.DocMatrix{
		docMatrix(2, 48, 0.1),
		docMatrix(3, 48, 1.5),
	}
	viaPack := Pack(docs)

	viaAppend := &PackedIndex{}
	for _, d := range docs {
		Append(viaAppend, d)
	}

	if err := Validate(viaAppend); err != nil {
		t.Fatalf("Validate(append-built): %v", err)
	}
	if viaAppend.HiddenSize != viaPack.HiddenSize {
		t.Fatalf("HiddenSize = %d, want %d", viaAppend.HiddenSize, viaPack.HiddenSize)
	}
	for i := range viaPack.Embeddings {
		if viaAppend.Embeddings[i] != viaPack.Embeddings[i] {
			t.Fatalf("Embeddings[%d] = %d, want %d", i, viaAppend.Embeddings[i], viaPack.Embeddings[i])
		}
	}
}

func TestTokenOffsets(t *testing.T) {
	docs := []*matrix.DocMatrix{
		docMatrix(2, 48, 0.1),
		docMatrix(4, 48, 1.0),
		docMatrix(1, 48, 3.0),
	}
	packed := Pack(docs)
	offs := TokenOffsets(packed)
	want := []int{0, 2, 6}
	for i, w := range want {
		if offs[i] != w {
			t.Fatalf("TokenOffsets()[%d] = %d, want %d", i, offs[i], w)
		}
		if TokenOffset(packed, i) != w {
			t.Fatalf("TokenOffset(%d) = %d, want %d", i, TokenOffset(packed, i), w)
		}
	}
}

func TestPackEmpty(t *testing.T) {
	packed := Pack(nil)
	if packed.NumDocs() != 0 {
		t.Fatalf("NumDocs() = %d, want 0", packed.NumDocs())
	}
	if err := Validate(packed); err != nil {
		t.Fatalf("Validate(empty): %v", err)
	}
}

func TestUnpackOutOfRange(t *testing.T) {
	packed := Pack([]*matrix.DocMatrix{docMatrix(2, 48, 0.1)})
	if _, err := Unpack(packed, 5); err == nil {
		t.Fatal("Unpack(5) on 1-doc index: want error, got nil")
	}
}

func TestValidateRejectsBadOffsets(t *testing.T) {
	packed := Pack([]*matrix.DocMatrix{docMatrix(2, 48, 0.1), docMatrix(2, 48, 1.0)})
	packed.Offsets[0] = 5
	if err := Validate(packed); err == nil {
		t.Fatal("Validate: want error for nonzero Offsets[0], got nil")
	}
}
