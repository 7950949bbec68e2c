// Package pack implements the packed-embedding storage format: flattening a
// batch of variable-length per-token DocMatrix values into four parallel
// arrays, with i8 quantization of the embedding values.
package pack

import (
	"fmt"
	"math"

	"github.com/screenager/osgrep-core/internal/matrix"
)

// Scale is the symmetric fixed-point quantization scale: 127, symmetric
// around zero, no per-row metadata. This is a protocol constant, not a
// parameter — changing it breaks packed indices produced by prior versions.
const Scale = 127.0

// PackedIndex is the columnar representation of N documents' packed
// embeddings.
type PackedIndex struct {
	Embeddings []int8   // length sum(Lengths) * HiddenSize
	TokenIDs   []uint32 // length sum(Lengths)
	Lengths    []uint32 // length N
	Offsets    []uint32 // length N, element index into Embeddings
	HiddenSize int
}

// NumDocs returns N, the number of packed documents.
func (p *PackedIndex) NumDocs() int {
	return len(p.Lengths)
}

// Quantize maps x (nominally in [-1, 1], since rows are unit L2-normalized)
// to a signed 8-bit value: round-toward-zero, then clamp to [-128, 127].
func Quantize(x float32) int8 {
	q := math.Trunc(float64(x) * Scale)
	if q > 127 {
		q = 127
	}
	if q < -128 {
		q = -128
	}
	return int8(q)
}

// Dequantize inverts Quantize.
func Dequantize(q int8) float32 {
	return float32(q) / Scale
}

// Pack flattens docs, in order, into a PackedIndex. Each document's
// embeddings are quantized to i8 as they're appended.
func Pack(docs []*matrix.DocMatrix) *PackedIndex {
	p := &PackedIndex{}
	if len(docs) == 0 {
		return p
	}
	p.HiddenSize = docs[0].Dim

	var totalElems, totalTokens int
	for _, d := range docs {
		totalElems += d.Rows * d.Dim
		totalTokens += d.Rows
	}
	p.Embeddings = make([]int8, 0, totalElems)
	p.TokenIDs = make([]uint32, 0, totalTokens)
	p.Lengths = make([]uint32, 0, len(docs))
	p.Offsets = make([]uint32, 0, len(docs))

	for _, d := range docs {
		p.Offsets = append(p.Offsets, uint32(len(p.Embeddings)))
		p.Lengths = append(p.Lengths, uint32(d.Rows))
		for _, x := range d.Data {
			p.Embeddings = append(p.Embeddings, Quantize(x))
		}
		p.TokenIDs = append(p.TokenIDs, d.TokenIDs...)
	}
	return p
}

// Append quantizes doc and appends it to p in place as document
// p.NumDocs(), for incremental indexing where documents arrive one file at a
// time rather than as a single batch (see internal/corpus).
func Append(p *PackedIndex, doc *matrix.DocMatrix) {
	if p.HiddenSize == 0 {
		p.HiddenSize = doc.Dim
	}
	p.Offsets = append(p.Offsets, uint32(len(p.Embeddings)))
	p.Lengths = append(p.Lengths, uint32(doc.Rows))
	for _, x := range doc.Data {
		p.Embeddings = append(p.Embeddings, Quantize(x))
	}
	p.TokenIDs = append(p.TokenIDs, doc.TokenIDs...)
}

// Unpack dequantizes document i back into a DocMatrix.
func Unpack(p *PackedIndex, i int) (*matrix.DocMatrix, error) {
	if i < 0 || i >= p.NumDocs() {
		return nil, fmt.Errorf("doc index %d out of range [0,%d)", i, p.NumDocs())
	}
	length := int(p.Lengths[i])
	off := int(p.Offsets[i])
	end := off + length*p.HiddenSize
	if end > len(p.Embeddings) {
		return nil, fmt.Errorf("doc %d: offset+length*hidden (%d) exceeds embeddings length (%d)", i, end, len(p.Embeddings))
	}

	data := make([]float32, length*p.HiddenSize)
	for j, q := range p.Embeddings[off:end] {
		data[j] = Dequantize(q)
	}

	tokOff := TokenOffset(p, i)
	tokenIDs := make([]uint32, length)
	copy(tokenIDs, p.TokenIDs[tokOff:tokOff+length])

	return &matrix.DocMatrix{
		Data:     data,
		TokenIDs: tokenIDs,
		Rows:     length,
		Dim:      p.HiddenSize,
	}, nil
}

// TokenOffset returns the starting index of document i's token ids within
// TokenIDs, computed as the prefix sum of Lengths[:i]. This offset is
// intentionally not stored and must be derived on demand.
func TokenOffset(p *PackedIndex, i int) int {
	off := 0
	for j := 0; j < i; j++ {
		off += int(p.Lengths[j])
	}
	return off
}

// TokenOffsets precomputes the prefix-sum offsets for every document in one
// pass, for callers (e.g. the scorer) that need to look up many documents'
// token-id ranges without recomputing the prefix sum each time.
func TokenOffsets(p *PackedIndex) []int {
	offs := make([]int, p.NumDocs())
	running := 0
	for i, l := range p.Lengths {
		offs[i] = running
		running += int(l)
	}
	return offs
}

// Validate checks the packed-index invariants: offsets[0]=0, offsets
// non-decreasing, offsets[i]+lengths[i]*H <= len(embeddings),
// sum(lengths) == len(token_ids).
func Validate(p *PackedIndex) error {
	n := p.NumDocs()
	if n == 0 {
		return nil
	}
	if p.Offsets[0] != 0 {
		return fmt.Errorf("offsets[0] = %d, want 0", p.Offsets[0])
	}
	var sumLengths uint32
	for i := 0; i < n; i++ {
		if i > 0 && p.Offsets[i] < p.Offsets[i-1] {
			return fmt.Errorf("offsets not non-decreasing at index %d", i)
		}
		end := uint64(p.Offsets[i]) + uint64(p.Lengths[i])*uint64(p.HiddenSize)
		if end > uint64(len(p.Embeddings)) {
			return fmt.Errorf("doc %d: offset+length*hidden (%d) exceeds embeddings length (%d)", i, end, len(p.Embeddings))
		}
		sumLengths += p.Lengths[i]
	}
	if int(sumLengths) != len(p.TokenIDs) {
		return fmt.Errorf("sum(lengths) = %d, len(token_ids) = %d", sumLengths, len(p.TokenIDs))
	}
	return nil
}
