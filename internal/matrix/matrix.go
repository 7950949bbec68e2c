// Package matrix holds the flat, row-major embedding matrices shared by the
// late-interaction encoder, the packer, and the scorer: QueryMatrix and
// DocMatrix. Kept as a small leaf package so none of internal/colbert,
// internal/pack, internal/scorer needs to import another to share these
// types.
package matrix

import "math"

// NormEpsilon is the clamp applied to a pre-normalization L2 norm.
const NormEpsilon = 1e-12

// QueryMatrix is a dense [Q, H] matrix, Q fixed at colbert.QueryMaxLen. Each
// row is L2-normalized. Immutable after construction.
type QueryMatrix struct {
	Data []float32 // row-major, length Rows*Dim
	Rows int
	Dim  int
}

// Row returns the j'th row as a sub-slice (not a copy) of Data.
func (m *QueryMatrix) Row(j int) []float32 {
	return m.Data[j*m.Dim : (j+1)*m.Dim]
}

// DocMatrix is a [L, H] matrix with L <= colbert.DocMaxLen, accompanied by the
// token id used at each row for skip-list filtering during scoring.
type DocMatrix struct {
	Data     []float32 // row-major, length Rows*Dim
	TokenIDs []uint32  // length Rows
	Rows     int
	Dim      int
}

// Row returns the j'th row as a sub-slice (not a copy) of Data.
func (m *DocMatrix) Row(j int) []float32 {
	return m.Data[j*m.Dim : (j+1)*m.Dim]
}

// L2NormalizeRow normalizes row in place to unit length, clamping the
// pre-normalization norm to NormEpsilon if it underflows.
func L2NormalizeRow(row []float32) {
	var sumSq float64
	for _, v := range row {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm < NormEpsilon {
		norm = NormEpsilon
	}
	inv := float32(1.0 / norm)
	for i := range row {
		row[i] *= inv
	}
}
