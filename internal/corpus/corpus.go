// Package corpus indexes a directory of files for two-stage semantic
// search: a dense ANN graph (internal/hnsw) narrows the corpus to a
// candidate set, then a ColBERT-style late-interaction rerank
// (internal/colbert + internal/pack + internal/scorer) orders those
// candidates precisely.
package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/screenager/osgrep-core/internal/chunker"
	"github.com/screenager/osgrep-core/internal/colbert"
	"github.com/screenager/osgrep-core/internal/denseenc"
	"github.com/screenager/osgrep-core/internal/hnsw"
	"github.com/screenager/osgrep-core/internal/matrix"
	"github.com/screenager/osgrep-core/internal/pack"
	"github.com/screenager/osgrep-core/internal/registry"
	"github.com/screenager/osgrep-core/internal/scorer"
)

const (
	hnswFile   = "hnsw.bin"
	packedFile = "packed.osgrep"
	metaFile   = "meta.json"
)

// ChunkMeta stores provenance for each indexed chunk. The chunk's position
// in this slice doubles as its id in both the dense graph and the packed
// late-interaction index, keeping the two stages' candidate indices in
// lockstep.
type ChunkMeta struct {
	Path       string    `json:"path"`
	LineNum    int       `json:"line_num"`
	StartByte  int64     `json:"start_byte"`
	EndByte    int64     `json:"end_byte"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Mtime      time.Time `json:"mtime"`
}

// Stats summarizes the current index.
type Stats struct {
	NumChunks   int
	NumFiles    int
	IndexSizeKB int64
	LastUpdated time.Time
}

// SearchResult is one reranked hit: the first-stage dense score that
// admitted the chunk to the candidate set, and the second-stage MaxSim
// score that ordered it.
type SearchResult struct {
	Meta       ChunkMeta
	DenseScore float32
	MaxSim     float32
}

// Index holds both retrieval stages for a directory of files.
type Index struct {
	mu               sync.RWMutex
	dir              string
	graph            *hnsw.Graph
	packed           *pack.PackedIndex
	chunks           []ChunkMeta
	fileCache        map[string]time.Time
	maxFileSizeBytes int64
	dirty            bool
	lastUpdated      time.Time
}

// Open loads (or creates) a corpus index stored in dir. The dense and
// late-interaction encoders must already be initialized via
// internal/registry — this package only consumes the registry's
// process-wide singletons, it never owns an encoder directly.
func Open(dir string, maxFileKB int) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("corpus: mkdir %s: %w", dir, err)
	}

	idx := &Index{
		dir:              dir,
		maxFileSizeBytes: int64(maxFileKB) * 1024,
		graph:            hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch),
		packed:           &pack.PackedIndex{},
	}

	metaPath := filepath.Join(dir, metaFile)
	if data, err := os.ReadFile(metaPath); err == nil {
		if err := json.Unmarshal(data, &idx.chunks); err != nil {
			return nil, fmt.Errorf("corpus: corrupt %s — run `osgrep index` to rebuild: %w", metaFile, err)
		}
	}

	hnswPath := filepath.Join(dir, hnswFile)
	if _, err := os.Stat(hnswPath); err == nil {
		g, err := hnsw.Load(hnswPath)
		if err != nil {
			return nil, fmt.Errorf("corpus: corrupt %s — run `osgrep index` to rebuild: %w", hnswFile, err)
		}
		idx.graph = g
	}

	packedPath := filepath.Join(dir, packedFile)
	if _, err := os.Stat(packedPath); err == nil {
		p, err := pack.Load(packedPath)
		if err != nil {
			return nil, fmt.Errorf("corpus: corrupt %s — run `osgrep index` to rebuild: %w", packedFile, err)
		}
		idx.packed = p
	}

	idx.fileCache = make(map[string]time.Time, len(idx.chunks))
	for _, c := range idx.chunks {
		if existing, ok := idx.fileCache[c.Path]; !ok || c.Mtime.After(existing) {
			idx.fileCache[c.Path] = c.Mtime
		}
	}

	return idx, nil
}

// Close flushes dirty state.
func (idx *Index) Close() error {
	return idx.Flush()
}

// AddFile chunks, encodes (both stages), and indexes a single file.
func (idx *Index) AddFile(path string) (skipped bool, err error) {
	return idx.AddFileCtx(context.Background(), path)
}

// AddFileCtx is like AddFile but respects ctx cancellation between encode
// batches.
func (idx *Index) AddFileCtx(ctx context.Context, path string) (skipped bool, err error) {
	if !chunker.IsSupportedFile(path) {
		return false, nil
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		fmt.Fprintf(os.Stderr, "skip %s: %v\n", path, statErr)
		return false, nil
	}
	if info.Size() > idx.maxFileSizeBytes {
		fmt.Fprintf(os.Stderr, "skip %s: file too large (%d KB > %d KB limit)\n",
			path, info.Size()/1024, idx.maxFileSizeBytes/1024)
		return false, nil
	}

	mtime := info.ModTime()

	idx.mu.RLock()
	cachedMtime, inCache := idx.fileCache[path]
	idx.mu.RUnlock()
	if inCache && cachedMtime.Equal(mtime) {
		return true, nil
	}

	chunks, err := chunker.ChunkFile(path, chunker.DefaultOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "skip %s: chunk error: %v\n", path, err)
		return false, nil
	}
	if len(chunks) == 0 {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var denseVecs []float32
	denseErr := registry.WithDense(func(enc *denseenc.Encoder) error {
		vecs, err := enc.EncodeBatch(texts, true)
		if err != nil {
			return err
		}
		denseVecs = vecs
		return nil
	})
	if denseErr != nil {
		fmt.Fprintf(os.Stderr, "skip %s: dense encode error: %v\n", path, denseErr)
		return false, nil
	}

	var docMatrices []*matrix.DocMatrix
	colbertErr := registry.WithColbert(func(enc *colbert.Encoder) error {
		docs, err := enc.EncodeDocs(texts)
		if err != nil {
			return err
		}
		docMatrices = docs
		return nil
	})
	if colbertErr != nil {
		fmt.Fprintf(os.Stderr, "skip %s: colbert encode error: %v\n", path, colbertErr)
		return false, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, c := range chunks {
		preview := c.Text
		if len(preview) > 200 {
			preview = preview[:197] + "..."
		}
		idx.chunks = append(idx.chunks, ChunkMeta{
			Path:       path,
			LineNum:    c.LineNum,
			StartByte:  c.StartByte,
			EndByte:    c.EndByte,
			ChunkIndex: c.Index,
			Text:       preview,
			Mtime:      mtime,
		})
		vec := denseVecs[i*denseenc.HiddenSize : (i+1)*denseenc.HiddenSize]
		idx.graph.Insert(vec)
		pack.Append(idx.packed, docMatrices[i])
	}

	idx.fileCache[path] = mtime
	idx.dirty = true
	idx.lastUpdated = time.Now()
	return false, nil
}

// Search runs the two-stage pipeline: dense ANN narrows to candidates,
// ColBERT MaxSim reranks them.
func (idx *Index) Search(query string, k int) ([]SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.chunks) == 0 {
		return nil, nil
	}

	var queryVec []float32
	err := registry.WithDense(func(enc *denseenc.Encoder) error {
		vecs, err := enc.EncodeBatch([]string{query}, true)
		if err != nil {
			return err
		}
		queryVec = vecs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("corpus: dense-encode query: %w", err)
	}

	fetchK := k * 5
	if fetchK > len(idx.chunks) {
		fetchK = len(idx.chunks)
	}
	hits := idx.graph.Search(queryVec, fetchK)
	if len(hits) == 0 {
		return nil, nil
	}

	candidateIndices := make([]uint32, 0, len(hits))
	denseScoreByID := make(map[uint32]float32, len(hits))
	for _, h := range hits {
		if int(h.ID) >= len(idx.chunks) {
			continue
		}
		candidateIndices = append(candidateIndices, h.ID)
		denseScoreByID[h.ID] = h.Score
	}

	var rerankResult *scorer.RerankResult
	colbertErr := registry.WithColbert(func(enc *colbert.Encoder) error {
		res, err := scorer.Rerank(enc, query, idx.packed, candidateIndices, uint32(k)*5)
		if err != nil {
			return err
		}
		rerankResult = res
		return nil
	})
	if colbertErr != nil {
		return nil, fmt.Errorf("corpus: colbert rerank: %w", colbertErr)
	}

	results := make([]SearchResult, 0, k)
	seen := make(map[string]bool)
	for _, r := range rerankResult.Results {
		if len(results) >= k {
			break
		}
		if int(r.Index) >= len(idx.chunks) {
			continue
		}
		meta := idx.chunks[r.Index]
		if seen[meta.Path] {
			continue
		}
		seen[meta.Path] = true
		results = append(results, SearchResult{
			Meta:       meta,
			DenseScore: denseScoreByID[r.Index],
			MaxSim:     r.Score,
		})
	}
	return results, nil
}

// Flush writes the dense graph, packed late-interaction index, and chunk
// metadata to disk if dirty.
func (idx *Index) Flush() error {
	idx.mu.RLock()
	dirty := idx.dirty
	idx.mu.RUnlock()
	if !dirty {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.graph.Save(filepath.Join(idx.dir, hnswFile)); err != nil {
		return fmt.Errorf("corpus: save hnsw: %w", err)
	}
	if err := pack.Save(idx.packed, filepath.Join(idx.dir, packedFile)); err != nil {
		return fmt.Errorf("corpus: save packed index: %w", err)
	}
	data, err := json.MarshalIndent(idx.chunks, "", "  ")
	if err != nil {
		return fmt.Errorf("corpus: marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(idx.dir, metaFile), data, 0o644); err != nil {
		return fmt.Errorf("corpus: write meta: %w", err)
	}

	idx.dirty = false
	return nil
}

// Stats returns summary statistics about the index.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	fileSet := make(map[string]struct{})
	for _, c := range idx.chunks {
		fileSet[c.Path] = struct{}{}
	}

	var sizeBytes int64
	for _, fname := range []string{hnswFile, packedFile, metaFile} {
		if fi, err := os.Stat(filepath.Join(idx.dir, fname)); err == nil {
			sizeBytes += fi.Size()
		}
	}

	return Stats{
		NumChunks:   len(idx.chunks),
		NumFiles:    len(fileSet),
		IndexSizeKB: sizeBytes / 1024,
		LastUpdated: idx.lastUpdated,
	}
}

// RebuildFromDir reindexes everything in rootDir from scratch.
func (idx *Index) RebuildFromDir(ctx context.Context, rootDir string) error {
	idx.mu.Lock()
	idx.chunks = idx.chunks[:0]
	idx.graph = hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)
	idx.packed = &pack.PackedIndex{}
	idx.fileCache = make(map[string]time.Time)
	idx.mu.Unlock()

	return idx.IndexDirWithProgress(ctx, rootDir, nil)
}

// ProgressFunc is called after each file is processed during indexing.
type ProgressFunc func(done, total int, path string, skipped bool)

// IndexDir walks rootDir and indexes all supported files.
func (idx *Index) IndexDir(ctx context.Context, rootDir string) error {
	return idx.IndexDirWithProgress(ctx, rootDir, nil)
}

// IndexDirWithProgress walks rootDir, indexes all supported files, and
// calls progress after each file (may be nil).
func (idx *Index) IndexDirWithProgress(ctx context.Context, rootDir string, progress ProgressFunc) error {
	var paths []string
	err := walkDir(rootDir, func(path string) error {
		if chunker.IsSupportedFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	total := len(paths)
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		skipped, err := idx.AddFileCtx(ctx, path)
		if err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, total, path, skipped)
		}
	}
	return nil
}

func walkDir(rootDir string, fn func(string) error) error {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return fmt.Errorf("corpus: readdir %s: %w", rootDir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(rootDir, name)
		if entry.IsDir() {
			if err := walkDir(full, fn); err != nil {
				return err
			}
		} else if err := fn(full); err != nil {
			return err
		}
	}
	return nil
}
