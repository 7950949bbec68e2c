// Package osgrep is the public API surface: the operations a host bridge
// would call, implemented as plain exported Go functions over the
// process-wide Model Registry.
package osgrep

import (
	"github.com/screenager/osgrep-core/internal/colbert"
	"github.com/screenager/osgrep-core/internal/denseenc"
	"github.com/screenager/osgrep-core/internal/pack"
)

// Protocol constants, part of the binary compatibility surface, re-exported
// here so a host bridge never re-derives magic numbers.
const (
	QueryMaxLen       = colbert.QueryMaxLen
	DocMaxLen         = colbert.DocMaxLen
	DenseHiddenSize   = denseenc.HiddenSize
	ColbertHiddenSize = colbert.HiddenSize
	DenseMaxTokens    = denseenc.MaxTokens
	QuantScale        = pack.Scale
)

// DenseResult is the output of EmbedDense.
type DenseResult struct {
	// Embeddings is a flat [len(texts)*DenseHiddenSize] L2-normalized array.
	Embeddings []float32
	Count      uint32
	// Checksum is the sum of every scalar in Embeddings, for
	// cross-implementation verification.
	Checksum float64
}

// RerankResult is the output of RerankColbert.
type RerankResult struct {
	Indices []uint32
	Scores  []float32
	// Checksum is the sum of all candidate scores before truncation.
	Checksum float64
}

// BatchResult is the output of EmbedBatch: the dense and packed
// late-interaction encodings of the same texts, produced concurrently.
type BatchResult struct {
	Dense  *DenseResult
	Packed *pack.PackedIndex
}
