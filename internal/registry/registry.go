// Package registry implements the process-wide model registry: two
// lazily-initialized singleton slots, dense and late-interaction, each
// serially-mutable for inference and idempotent on repeated init.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/screenager/osgrep-core/internal/colbert"
	"github.com/screenager/osgrep-core/internal/denseenc"
	"github.com/screenager/osgrep-core/internal/hub"
	"github.com/screenager/osgrep-core/internal/metrics"
)

// Config carries the model-loading parameters that don't belong in the repo
// id itself (artifact source, ORT thread counts, shared library path).
type Config struct {
	ArtifactSource hub.ArtifactSource
	DenseThreads   int
	ColbertThreads int
	// OrtLibPath points ORT at a bundled onnxruntime shared library instead
	// of the system default. Only the first Init call's effective value
	// matters — onnxruntime_go's SetSharedLibraryPath only takes effect
	// before the process's first InitializeEnvironment call.
	OrtLibPath string
}

// denseSlot is the process-wide dense-encoder singleton.
type denseSlot struct {
	initMu sync.Mutex // guards lazy construction, not inference
	runMu  sync.Mutex // single-writer-per-encoder
	enc    *denseenc.Encoder
	err    error
}

// colbertSlot is the process-wide late-interaction-encoder singleton.
type colbertSlot struct {
	initMu sync.Mutex
	runMu  sync.Mutex
	enc    *colbert.Encoder
	err    error
}

var (
	dense   denseSlot
	cbert   colbertSlot
	cfg     Config
	cfgOnce sync.Once
)

// Configure sets the loading parameters used by subsequent Init calls.
// Safe to call once before the first Init; later calls are ignored, matching
// the idempotent-init discipline the slots themselves follow.
func Configure(c Config) {
	cfgOnce.Do(func() {
		cfg = c
	})
}

// InitDense lazily constructs the dense encoder singleton. Repeated calls
// after first success are no-ops; a prior failure may be retried by a later
// call.
func InitDense(ctx context.Context, repoID string) error {
	dense.initMu.Lock()
	defer dense.initMu.Unlock()

	if dense.enc != nil {
		return nil
	}

	modelPath, err := cfg.ArtifactSource.Fetch(ctx, repoID, "onnx/model.onnx")
	if err != nil {
		metrics.RegistryInitTotal.WithLabelValues("dense", "error").Inc()
		dense.err = fmt.Errorf("registry: fetch dense model: %w", err)
		return dense.err
	}
	tokenizerPath, err := cfg.ArtifactSource.Fetch(ctx, repoID, "tokenizer.json")
	if err != nil {
		metrics.RegistryInitTotal.WithLabelValues("dense", "error").Inc()
		dense.err = fmt.Errorf("registry: fetch dense tokenizer: %w", err)
		return dense.err
	}

	enc, err := denseenc.New(modelPath, tokenizerPath, cfg.OrtLibPath, cfg.DenseThreads)
	if err != nil {
		metrics.RegistryInitTotal.WithLabelValues("dense", "error").Inc()
		dense.err = fmt.Errorf("registry: load dense encoder: %w", err)
		return dense.err
	}

	dense.enc = enc
	dense.err = nil
	metrics.RegistryInitTotal.WithLabelValues("dense", "ok").Inc()
	return nil
}

// InitColbert lazily constructs the late-interaction encoder singleton,
// preferring the int8-quantized model artifact and falling back to fp32.
func InitColbert(ctx context.Context, repoID string) error {
	cbert.initMu.Lock()
	defer cbert.initMu.Unlock()

	if cbert.enc != nil {
		return nil
	}

	modelPath, err := hub.FetchFirst(ctx, cfg.ArtifactSource, repoID, "onnx/model_int8.onnx", "onnx/model.onnx")
	if err != nil {
		metrics.RegistryInitTotal.WithLabelValues("colbert", "error").Inc()
		cbert.err = fmt.Errorf("registry: fetch colbert model: %w", err)
		return cbert.err
	}
	tokenizerPath, err := cfg.ArtifactSource.Fetch(ctx, repoID, "tokenizer.json")
	if err != nil {
		metrics.RegistryInitTotal.WithLabelValues("colbert", "error").Inc()
		cbert.err = fmt.Errorf("registry: fetch colbert tokenizer: %w", err)
		return cbert.err
	}
	skipListPath, err := cfg.ArtifactSource.Fetch(ctx, repoID, "skiplist.json")
	if err != nil {
		skipListPath = "" // optional artifact; colbert.New treats "" as no skiplist
	}

	enc, err := colbert.New(modelPath, tokenizerPath, skipListPath, cfg.OrtLibPath, cfg.ColbertThreads)
	if err != nil {
		metrics.RegistryInitTotal.WithLabelValues("colbert", "error").Inc()
		cbert.err = fmt.Errorf("registry: load colbert encoder: %w", err)
		return cbert.err
	}

	cbert.enc = enc
	cbert.err = nil
	metrics.RegistryInitTotal.WithLabelValues("colbert", "ok").Inc()
	return nil
}

// IsInitialized reports whether the dense and colbert slots have been
// successfully populated.
func IsInitialized() (denseOK, colbertOK bool) {
	dense.initMu.Lock()
	denseOK = dense.enc != nil
	dense.initMu.Unlock()

	cbert.initMu.Lock()
	colbertOK = cbert.enc != nil
	cbert.initMu.Unlock()
	return
}

// ErrNotInitialized is returned by WithDense/WithColbert when the
// corresponding slot has not been populated by a successful Init call.
var ErrNotInitialized = fmt.Errorf("registry: encoder not initialized")

// WithDense runs fn with exclusive access to the dense encoder, serializing
// concurrent callers.
func WithDense(fn func(*denseenc.Encoder) error) error {
	if dense.enc == nil {
		return ErrNotInitialized
	}
	dense.runMu.Lock()
	defer dense.runMu.Unlock()
	return fn(dense.enc)
}

// WithColbert runs fn with exclusive access to the late-interaction encoder.
func WithColbert(fn func(*colbert.Encoder) error) error {
	if cbert.enc == nil {
		return ErrNotInitialized
	}
	cbert.runMu.Lock()
	defer cbert.runMu.Unlock()
	return fn(cbert.enc)
}

// Reset tears down both slots. Intended for tests only.
func Reset() {
	dense.initMu.Lock()
	if dense.enc != nil {
		dense.enc.Close()
	}
	dense.enc, dense.err = nil, nil
	dense.initMu.Unlock()

	cbert.initMu.Lock()
	if cbert.enc != nil {
		cbert.enc.Close()
	}
	cbert.enc, cbert.err = nil, nil
	cbert.initMu.Unlock()
}
