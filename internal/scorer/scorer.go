// Package scorer implements MaxSim late-interaction scoring and the rerank
// operation over a packed index.
package scorer

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/screenager/osgrep-core/internal/colbert"
	"github.com/screenager/osgrep-core/internal/matrix"
	"github.com/screenager/osgrep-core/internal/pack"
)

var logOnce sync.Once

// Score computes one MaxSim score per requested document index, in the
// order requested.
func Score(query *matrix.QueryMatrix, packed *pack.PackedIndex, skip colbert.SkipList, docIndices []uint32) ([]float32, error) {
	offsets := pack.TokenOffsets(packed)
	scores := make([]float32, len(docIndices))

	for i, docIdx := range docIndices {
		if int(docIdx) >= packed.NumDocs() {
			return nil, fmt.Errorf("scorer: doc index %d out of range [0,%d)", docIdx, packed.NumDocs())
		}
		scores[i] = scoreDoc(query, packed, skip, int(docIdx), offsets[docIdx])
	}
	return scores, nil
}

// scoreDoc runs the MaxSim algorithm for a single document against the full
// query matrix.
func scoreDoc(query *matrix.QueryMatrix, packed *pack.PackedIndex, skip colbert.SkipList, docIdx int, tokenOffset int) float32 {
	length := int(packed.Lengths[docIdx])
	embOffset := int(packed.Offsets[docIdx])
	hidden := packed.HiddenSize

	var total float32
	for q := 0; q < query.Rows; q++ {
		qRow := query.Row(q)
		best := float32(math.Inf(-1))

		for t := 0; t < length; t++ {
			tokenID := packed.TokenIDs[tokenOffset+t]
			if skip.Contains(tokenID) {
				continue
			}

			dOff := embOffset + t*hidden
			var dot float32
			for k := 0; k < hidden; k++ {
				dot += qRow[k] * pack.Dequantize(packed.Embeddings[dOff+k])
			}
			if dot > best {
				best = dot
			}
		}

		if !math.IsInf(float64(best), -1) {
			total += best
		}
	}
	return total
}

// Result is one reranked (index, score) pair.
type Result struct {
	Index uint32
	Score float32
}

// RerankResult is the output of Rerank.
type RerankResult struct {
	Results  []Result
	Checksum float64
}

// Rerank encodes the query once, scores every candidate, stable-sorts
// descending by score, truncates to topK, and emits a checksum of all
// pre-truncation scores.
func Rerank(enc *colbert.Encoder, queryText string, packed *pack.PackedIndex, candidateIndices []uint32, topK uint32) (*RerankResult, error) {
	debug := os.Getenv("OSGREP_DEBUG") == "1"
	t0 := time.Now()

	query, err := enc.EncodeQuery(queryText)
	if err != nil {
		return nil, fmt.Errorf("scorer: encode query: %w", err)
	}
	queryElapsed := time.Since(t0)

	t1 := time.Now()
	rawScores, err := Score(query, packed, enc.SkipListFor(), candidateIndices)
	if err != nil {
		return nil, err
	}
	scoreElapsed := time.Since(t1)

	if debug {
		logOnce.Do(func() {
			slog.Debug("scorer: rerank timing", "query", queryElapsed, "maxsim", scoreElapsed, "candidates", len(candidateIndices))
		})
	}

	results := make([]Result, len(candidateIndices))
	widened := make([]float64, len(rawScores))
	for i, idx := range candidateIndices {
		results[i] = Result{Index: idx, Score: rawScores[i]}
		widened[i] = float64(rawScores[i])
	}
	checksum := floats.Sum(widened)

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	k := int(topK)
	if k > len(results) {
		k = len(results)
	}

	return &RerankResult{Results: results[:k], Checksum: checksum}, nil
}
