package osgrep

import (
	"context"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/screenager/osgrep-core/internal/colbert"
	"github.com/screenager/osgrep-core/internal/denseenc"
	"github.com/screenager/osgrep-core/internal/matrix"
	"github.com/screenager/osgrep-core/internal/metrics"
	"github.com/screenager/osgrep-core/internal/pack"
	"github.com/screenager/osgrep-core/internal/registry"
	"github.com/screenager/osgrep-core/internal/scorer"
)

// sortResultsStable sorts results descending by score, preserving the
// caller's candidate order on ties.
func sortResultsStable(results []scorer.Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

// InitModels lazily constructs the dense and late-interaction encoder
// singletons from their respective model-hub repo ids. Each
// slot initializes independently; a failure in one does not prevent the
// other from succeeding.
func InitModels(ctx context.Context, denseRepoID, colbertRepoID string) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := registry.InitDense(ctx, denseRepoID); err != nil {
			return newErr(ArtifactMissing, "InitModels", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := registry.InitColbert(ctx, colbertRepoID); err != nil {
			return newErr(ArtifactMissing, "InitModels", err)
		}
		return nil
	})
	return g.Wait()
}

// IsInitialized reports whether the dense and colbert slots have been
// populated.
func IsInitialized() (dense, colbertOK bool) {
	return registry.IsInitialized()
}

// EmbedDense encodes texts with the dense encoder.
func EmbedDense(ctx context.Context, texts []string) (*DenseResult, error) {
	if len(texts) == 0 {
		return nil, newErr(EmptyInput, "EmbedDense", denseenc.ErrEmptyInput)
	}

	var out *DenseResult
	err := registry.WithDense(func(enc *denseenc.Encoder) error {
		timer := prometheus.NewTimer(metrics.EncodeSeconds.WithLabelValues("dense"))
		defer timer.ObserveDuration()

		embeddings, err := enc.EncodeBatch(texts, true)
		if err != nil {
			metrics.EncodeTotal.WithLabelValues("dense", "error").Inc()
			return newErr(InferenceFailed, "EmbedDense", err)
		}
		checksum, err := enc.Checksum(texts, true)
		if err != nil {
			metrics.EncodeTotal.WithLabelValues("dense", "error").Inc()
			return newErr(InferenceFailed, "EmbedDense", err)
		}
		metrics.EncodeTotal.WithLabelValues("dense", "ok").Inc()
		out = &DenseResult{Embeddings: embeddings, Count: uint32(len(texts)), Checksum: checksum}
		return nil
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, newErr(NotInitialized, "EmbedDense", err)
	}
	return out, nil
}

// EmbedColbertPacked encodes texts with the late-interaction encoder and
// returns them in packed, quantized form.
func EmbedColbertPacked(ctx context.Context, texts []string) (*pack.PackedIndex, error) {
	var out *pack.PackedIndex
	err := registry.WithColbert(func(enc *colbert.Encoder) error {
		timer := prometheus.NewTimer(metrics.EncodeSeconds.WithLabelValues("colbert"))
		defer timer.ObserveDuration()

		packed, err := enc.EncodeDocsPacked(texts)
		if err != nil {
			metrics.EncodeTotal.WithLabelValues("colbert", "error").Inc()
			return newErr(InferenceFailed, "EmbedColbertPacked", err)
		}
		metrics.EncodeTotal.WithLabelValues("colbert", "ok").Inc()
		out = packed
		return nil
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, newErr(NotInitialized, "EmbedColbertPacked", err)
	}
	return out, nil
}

// EncodeQueryColbert encodes a query with the late-interaction encoder,
// returning a flat [QueryMaxLen*ColbertHiddenSize] array.
func EncodeQueryColbert(ctx context.Context, query string) ([]float32, error) {
	var out []float32
	err := registry.WithColbert(func(enc *colbert.Encoder) error {
		timer := prometheus.NewTimer(metrics.EncodeSeconds.WithLabelValues("colbert"))
		defer timer.ObserveDuration()

		qm, err := enc.EncodeQuery(query)
		if err != nil {
			metrics.EncodeTotal.WithLabelValues("colbert", "error").Inc()
			return newErr(InferenceFailed, "EncodeQueryColbert", err)
		}
		metrics.EncodeTotal.WithLabelValues("colbert", "ok").Inc()
		out = qm.Data
		return nil
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, newErr(NotInitialized, "EncodeQueryColbert", err)
	}
	return out, nil
}

// RerankColbert scores
// queryEmbeddings (a pre-encoded query matrix) against packed, honoring the
// encoder's skip list, and returns the stable-sorted top_k.
func RerankColbert(ctx context.Context, queryEmbeddings []float32, packed *pack.PackedIndex, candidateIndices []uint32, topK uint32) (*RerankResult, error) {
	if len(queryEmbeddings) != QueryMaxLen*ColbertHiddenSize {
		return nil, newErr(ShapeMismatch, "RerankColbert",
			nil)
	}
	qm := &matrix.QueryMatrix{Data: queryEmbeddings, Rows: QueryMaxLen, Dim: ColbertHiddenSize}

	var out *RerankResult
	err := registry.WithColbert(func(enc *colbert.Encoder) error {
		timer := prometheus.NewTimer(metrics.RerankSeconds)
		defer timer.ObserveDuration()

		rawScores, err := scorer.Score(qm, packed, enc.SkipListFor(), candidateIndices)
		if err != nil {
			return newErr(ShapeMismatch, "RerankColbert", err)
		}

		results := make([]scorer.Result, len(candidateIndices))
		var checksum float64
		for i, idx := range candidateIndices {
			results[i] = scorer.Result{Index: idx, Score: rawScores[i]}
			checksum += float64(rawScores[i])
		}
		sortResultsStable(results)

		k := int(topK)
		if k > len(results) {
			k = len(results)
		}
		indices := make([]uint32, k)
		scores := make([]float32, k)
		for i := 0; i < k; i++ {
			indices[i] = results[i].Index
			scores[i] = results[i].Score
		}
		out = &RerankResult{Indices: indices, Scores: scores, Checksum: checksum}
		return nil
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, newErr(NotInitialized, "RerankColbert", err)
	}
	return out, nil
}

// EmbedBatch produces dense and
// late-interaction encodings of the same texts, produced concurrently since
// the two encoders hold independent locks.
func EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	var dense *DenseResult
	var packed *pack.PackedIndex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dense, err = EmbedDense(gctx, texts)
		return err
	})
	g.Go(func() error {
		var err error
		packed, err = EmbedColbertPacked(gctx, texts)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &BatchResult{Dense: dense, Packed: packed}, nil
}
