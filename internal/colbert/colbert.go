// Package colbert implements the late-interaction encoder: per-token
// embedding matrices for queries and documents under distinct input-framing
// rules, ready for MaxSim scoring.
package colbert

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/screenager/osgrep-core/internal/matrix"
	"github.com/screenager/osgrep-core/internal/pack"
	"github.com/screenager/osgrep-core/internal/tokenizer"
)

// Protocol constants, part of the binary compatibility surface.
const (
	QueryMaxLen = 32
	DocMaxLen   = 96
	HiddenSize  = 48
	// NumThreads is the default intra-op thread count.
	NumThreads = 8
)

// QueryMarker and DocMarker are the surface forms of the ColBERT framing
// tokens, used both for vocab lookup and for the literal-prefix fallback.
const (
	QueryMarker = "[Q]"
	DocMarker   = "[D]"
)

// ErrInferenceFailed wraps an assembled-sequence length below 2 tokens,
// which should not occur given CLS+SEP are forced.
var ErrInferenceFailed = errors.New("colbert: assembled sequence shorter than CLS+SEP")

// SkipList is a set of document token ids invisible to every query row
// during MaxSim.
type SkipList map[uint32]struct{}

// Contains reports whether id is in the skip list. A nil SkipList contains
// nothing.
func (s SkipList) Contains(id uint32) bool {
	if s == nil {
		return false
	}
	_, ok := s[id]
	return ok
}

// LoadSkipList reads a JSON array of unsigned 32-bit token ids from path. A
// missing file yields an empty, non-nil SkipList.
func LoadSkipList(path string) (SkipList, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return SkipList{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("colbert: read skiplist %s: %w", path, err)
	}
	var ids []uint32
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("colbert: parse skiplist %s: %w", path, err)
	}
	sl := make(SkipList, len(ids))
	for _, id := range ids {
		sl[id] = struct{}{}
	}
	return sl, nil
}

// Encoder owns one late-interaction ONNX session and tokenizer, the
// discovered special-token ids, and the optional skip list. Callers must
// serialize Run calls (internal/registry supplies the mutex); Encoder itself
// does no locking.
type Encoder struct {
	session *ort.DynamicAdvancedSession
	tok     *tokenizer.Adapter

	clsID, sepID, maskID, padID uint32
	queryMarkerID, docMarkerID  *uint32

	skip SkipList

	logOnce sync.Once
}

// New loads the late-interaction ONNX model and tokenizer, discovers special
// token ids, and loads the skip list if skipListPath is non-empty and
// exists. ortLibPath is the path to the onnxruntime shared library; pass ""
// to use the system default (or whatever a prior call already pointed ORT
// at — SetSharedLibraryPath is process-wide and only takes effect before
// the first InitializeEnvironment call).
func New(modelPath, tokenizerPath, skipListPath, ortLibPath string, numThreads int) (*Encoder, error) {
	if ortLibPath != "" {
		ort.SetSharedLibraryPath(ortLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("colbert: init ort: %w", err)
	}

	if numThreads <= 0 {
		numThreads = NumThreads
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("colbert: session options: %w", err)
	}
	defer opts.Destroy()

	if err := preferExecutionProvider(opts); err != nil {
		return nil, fmt.Errorf("colbert: execution provider: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("colbert: set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("colbert: set inter threads: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask"}
	outputNames := []string{"last_hidden_state"}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("colbert: create session: %w", err)
	}

	tk, err := tokenizer.FromFile(tokenizerPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("colbert: load tokenizer: %w", err)
	}

	e := &Encoder{session: session, tok: tk}

	e.clsID, _ = tk.VocabID("[CLS]")
	e.sepID, _ = tk.VocabID("[SEP]")
	e.maskID, _ = tk.VocabID("[MASK]")
	if padID, ok := tk.VocabID("[PAD]"); ok {
		e.padID = padID
	} else {
		e.padID = e.maskID
	}
	if id, ok := tk.VocabID(QueryMarker); ok {
		e.queryMarkerID = &id
	}
	if id, ok := tk.VocabID(DocMarker); ok {
		e.docMarkerID = &id
	}

	if skipListPath != "" {
		sl, err := LoadSkipList(skipListPath)
		if err != nil {
			session.Destroy()
			tk.Close()
			return nil, err
		}
		e.skip = sl
	} else {
		e.skip = SkipList{}
	}

	return e, nil
}

// preferExecutionProvider selects the Apple accelerator execution provider
// on darwin, falling back silently to CPU everywhere else.
func preferExecutionProvider(opts *ort.SessionOptions) error {
	if runtime.GOOS != "darwin" {
		return nil
	}
	if err := opts.AppendExecutionProviderCoreML(0); err != nil {
		slog.Debug("colbert: CoreML execution provider unavailable, falling back to CPU", "error", err)
	}
	return nil
}

// SkipListFor returns the encoder's loaded skip list.
func (e *Encoder) SkipListFor() SkipList { return e.skip }

// Close releases the ONNX session and tokenizer.
func (e *Encoder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tok != nil {
		e.tok.Close()
	}
}

// assembleQuery builds the CLS [Q]? tokens SEP MASK* sequence for query
// framing, returning exactly QueryMaxLen ids.
func (e *Encoder) assembleQuery(text string) []uint32 {
	if e.queryMarkerID == nil && !strings.HasPrefix(text, QueryMarker) {
		text = QueryMarker + " " + text
	}
	tokenIDs := e.tok.Encode(text, false)

	final := make([]uint32, 0, QueryMaxLen)
	final = append(final, e.clsID)
	if e.queryMarkerID != nil {
		final = append(final, *e.queryMarkerID)
	}

	maxTokens := QueryMaxLen - len(final) - 1 // -1 reserves room for SEP
	if maxTokens > len(tokenIDs) {
		maxTokens = len(tokenIDs)
	}
	final = append(final, tokenIDs[:maxTokens]...)
	final = append(final, e.sepID)

	for len(final) < QueryMaxLen {
		final = append(final, e.maskID)
	}
	return final
}

// assembleDoc builds the CLS [D]? tokens SEP sequence for document framing,
// truncated to DocMaxLen.
func (e *Encoder) assembleDoc(text string) []uint32 {
	if e.docMarkerID == nil && !strings.HasPrefix(text, DocMarker) {
		text = DocMarker + " " + text
	}
	tokenIDs := e.tok.Encode(text, false)

	final := make([]uint32, 0, DocMaxLen)
	final = append(final, e.clsID)
	if e.docMarkerID != nil {
		final = append(final, *e.docMarkerID)
	}

	maxTokens := DocMaxLen - len(final) - 1
	if maxTokens > len(tokenIDs) {
		maxTokens = len(tokenIDs)
	}
	final = append(final, tokenIDs[:maxTokens]...)
	final = append(final, e.sepID)
	return final
}

// EncodeQuery encodes a query into its per-token embedding matrix.
func (e *Encoder) EncodeQuery(text string) (*matrix.QueryMatrix, error) {
	ids := e.assembleQuery(text)
	if len(ids) < 2 {
		return nil, ErrInferenceFailed
	}

	seqLen := len(ids)
	flatIDs := make([]int64, seqLen)
	flatMask := make([]int64, seqLen)
	for i, id := range ids {
		flatIDs[i] = int64(id)
		flatMask[i] = 1
	}
	shape := ort.NewShape(1, int64(seqLen))

	debug := os.Getenv("OSGREP_DEBUG") == "1"
	t0 := time.Now()

	hidden, err := e.runInference(shape, flatIDs, flatMask)
	if err != nil {
		return nil, err
	}

	data := make([]float32, seqLen*HiddenSize)
	for s := 0; s < seqLen; s++ {
		row := data[s*HiddenSize : (s+1)*HiddenSize]
		copy(row, hidden[s*HiddenSize:(s+1)*HiddenSize])
		matrix.L2NormalizeRow(row)
	}

	if debug {
		e.logOnce.Do(func() {
			slog.Debug("colbert: query encode timing", "elapsed", time.Since(t0))
		})
	}

	return &matrix.QueryMatrix{Data: data, Rows: seqLen, Dim: HiddenSize}, nil
}

// EncodeDocs encodes a batch of documents into their per-token embedding
// matrices.
func (e *Encoder) EncodeDocs(texts []string) ([]*matrix.DocMatrix, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batchSize := len(texts)
	allIDs := make([][]uint32, batchSize)
	maxLen := 0
	for i, text := range texts {
		ids := e.assembleDoc(text)
		if len(ids) < 2 {
			return nil, ErrInferenceFailed
		}
		allIDs[i] = ids
		if len(ids) > maxLen {
			maxLen = len(ids)
		}
	}

	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	for i, ids := range allIDs {
		for j, id := range ids {
			flatIDs[i*maxLen+j] = int64(id)
			flatMask[i*maxLen+j] = 1
		}
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	hidden, err := e.runInference(shape, flatIDs, flatMask)
	if err != nil {
		return nil, err
	}

	results := make([]*matrix.DocMatrix, batchSize)
	for b := 0; b < batchSize; b++ {
		realLen := len(allIDs[b])
		data := make([]float32, realLen*HiddenSize)
		for s := 0; s < realLen; s++ {
			srcOff := b*maxLen*HiddenSize + s*HiddenSize
			row := data[s*HiddenSize : (s+1)*HiddenSize]
			copy(row, hidden[srcOff:srcOff+HiddenSize])
			matrix.L2NormalizeRow(row)
		}
		tokenIDs := make([]uint32, realLen)
		copy(tokenIDs, allIDs[b])

		results[b] = &matrix.DocMatrix{Data: data, TokenIDs: tokenIDs, Rows: realLen, Dim: HiddenSize}
	}
	return results, nil
}

// EncodeDocsPacked composes EncodeDocs with pack.Pack, an index-time
// convenience.
func (e *Encoder) EncodeDocsPacked(texts []string) (*pack.PackedIndex, error) {
	docs, err := e.EncodeDocs(texts)
	if err != nil {
		return nil, err
	}
	return pack.Pack(docs), nil
}

// runInference runs the session once and returns the flat hidden-state
// buffer, owned by the caller (copied out before the output tensor is
// destroyed).
func (e *Encoder) runInference(shape ort.Shape, flatIDs, flatMask []int64) ([]float32, error) {
	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("colbert: input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("colbert: attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputIDs, attnMask}, outputs); err != nil {
		return nil, fmt.Errorf("colbert: inference: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("colbert: unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	out := make([]float32, len(hidden))
	copy(out, hidden)
	return out, nil
}
