// Package denseenc implements the dense single-vector encoder: one ONNX
// session plus one tokenizer, producing a single pooled, L2-normalized
// vector per input text via masked mean pooling.
package denseenc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/floats"

	"github.com/screenager/osgrep-core/internal/matrix"
	"github.com/screenager/osgrep-core/internal/tokenizer"
)

// HiddenSize is the dense encoder's output dimension.
const HiddenSize = 384

// MaxTokens is the truncation limit applied before batch padding.
const MaxTokens = 256

// MeanPoolEpsilon clamps the mean-pooling denominator.
const MeanPoolEpsilon = 1e-9

// NumThreads is the default intra-op thread count for the dense session.
const NumThreads = 4

// ErrEmptyInput is returned by EncodeBatch when given zero texts.
var ErrEmptyInput = errors.New("denseenc: empty input")

// Encoder owns one ONNX session and one tokenizer for the dense path. Callers
// must serialize Run calls into the same session (internal/registry provides
// the mutex); Encoder itself does no locking.
type Encoder struct {
	session *ort.DynamicAdvancedSession
	tok     *tokenizer.Adapter

	logOnce sync.Once
}

// New loads the dense ONNX model and tokenizer from modelPath/tokenizerPath.
// ortLibPath is the path to the onnxruntime shared library; pass "" to use
// the system default (or whatever a prior call already pointed ORT at —
// SetSharedLibraryPath is process-wide and only takes effect before the
// first InitializeEnvironment call).
func New(modelPath, tokenizerPath, ortLibPath string, numThreads int) (*Encoder, error) {
	if ortLibPath != "" {
		ort.SetSharedLibraryPath(ortLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("denseenc: init ort: %w", err)
	}

	if numThreads <= 0 {
		numThreads = NumThreads
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("denseenc: session options: %w", err)
	}
	defer opts.Destroy()

	// Prefer the Apple accelerator execution provider on darwin, falling back
	// silently to CPU if it is unavailable.
	if runtime.GOOS == "darwin" {
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			slog.Debug("denseenc: CoreML execution provider unavailable, falling back to CPU", "error", err)
		}
	}

	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("denseenc: set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("denseenc: set inter threads: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("denseenc: create session: %w", err)
	}

	tk, err := tokenizer.FromFile(tokenizerPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("denseenc: load tokenizer: %w", err)
	}

	return &Encoder{session: session, tok: tk}, nil
}

// Close releases the ONNX session and tokenizer.
func (e *Encoder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tok != nil {
		e.tok.Close()
	}
}

// EncodeBatch batch tokenizes, runs inference, masked-mean-pools, and
// optionally L2-normalizes. Returns a flat [B*HiddenSize] array.
func (e *Encoder) EncodeBatch(texts []string, normalize bool) ([]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	debug := os.Getenv("OSGREP_DEBUG") == "1"
	t0 := time.Now()

	batch, maxLen := e.tok.EncodeBatch(texts)
	if maxLen == 0 {
		return nil, fmt.Errorf("denseenc: all texts tokenized to zero length")
	}
	if debug {
		e.logOnce.Do(func() {
			slog.Debug("denseenc: first batch tokenized", "batch_size", len(texts), "max_len", maxLen)
		})
	}

	batchSize := len(texts)
	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, b := range batch {
		copy(flatIDs[i*maxLen:], b.IDs)
		copy(flatMask[i*maxLen:], b.Mask)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("denseenc: input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("denseenc: attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("denseenc: token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputIDs, attnMask, typeIDs}, outputs); err != nil {
		return nil, fmt.Errorf("denseenc: inference: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("denseenc: unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])

	out := make([]float32, batchSize*HiddenSize)
	for i := 0; i < batchSize; i++ {
		pooled := out[i*HiddenSize : (i+1)*HiddenSize]
		var maskSum float64
		base := i * seqLen * HiddenSize
		for j := 0; j < seqLen; j++ {
			m := float64(flatMask[i*maxLen+j])
			if m == 0 {
				continue
			}
			maskSum += m
			rowBase := base + j*HiddenSize
			for k := 0; k < HiddenSize; k++ {
				pooled[k] += float32(m) * hidden[rowBase+k]
			}
		}
		if maskSum < MeanPoolEpsilon {
			maskSum = MeanPoolEpsilon
		}
		inv := float32(1.0 / maskSum)
		for k := range pooled {
			pooled[k] *= inv
		}
		if normalize {
			matrix.L2NormalizeRow(pooled)
		}
	}

	if debug {
		slog.Debug("denseenc: batch complete", "batch_size", batchSize, "seq_len", seqLen, "elapsed", time.Since(t0))
	}

	return out, nil
}

// Checksum encodes texts and sums every scalar in the resulting batch as a
// float64, for cross-implementation verification of the dense path (ported
// from the Rust original's compute_checksum). Unlike the hot encode path,
// this whole-batch reduction runs once per call, so the float32->float64
// copy gonum/floats.Sum requires is not a meaningful cost here.
func (e *Encoder) Checksum(texts []string, normalize bool) (float64, error) {
	embeddings, err := e.EncodeBatch(texts, normalize)
	if err != nil {
		return 0, err
	}
	widened := make([]float64, len(embeddings))
	for i, x := range embeddings {
		widened[i] = float64(x)
	}
	return floats.Sum(widened), nil
}
