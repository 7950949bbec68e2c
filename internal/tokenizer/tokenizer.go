// Package tokenizer adapts a pretrained HuggingFace subword tokenizer to the
// narrow surface the encoders in this module need: special-token lookup,
// deterministic single-string id encoding with optional special-token
// injection, and the dense path's batch encoding (which does inject them).
package tokenizer

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// maxBatchTokens is the truncation budget for the dense encoder's batch path.
const maxBatchTokens = 256

// Adapter wraps a loaded tokenizer.
type Adapter struct {
	tk *tokenizers.Tokenizer
}

// FromFile loads a tokenizer.json from path.
func FromFile(path string) (*Adapter, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return &Adapter{tk: tk}, nil
}

// Close releases the underlying tokenizer.
func (a *Adapter) Close() {
	if a.tk != nil {
		a.tk.Close()
	}
}

// VocabID looks up a special token by its literal surface form, e.g. "[CLS]"
// or "[Q]". Returns ok=false if the token isn't in the vocabulary.
func (a *Adapter) VocabID(name string) (id uint32, ok bool) {
	return a.tk.TokenToID(name)
}

// Encode returns the subword id sequence for text. addSpecial controls
// whether the tokenizer's own special-token insertion runs; the
// late-interaction encoders always pass false and assemble CLS/SEP/marker
// ids themselves (spec requires exact positional control).
func (a *Adapter) Encode(text string, addSpecial bool) []uint32 {
	ids, _ := a.tk.Encode(text, addSpecial)
	return ids
}

// BatchEncoded holds one batch member's tokenization for the dense path.
type BatchEncoded struct {
	IDs  []int64
	Mask []int64
}

// EncodeBatch tokenizes texts with truncation to maxBatchTokens and returns
// per-item ids/attention-mask (not yet padded to a common length — the
// caller pads once it knows the batch's max length).
func (a *Adapter) EncodeBatch(texts []string) ([]BatchEncoded, int) {
	out := make([]BatchEncoded, len(texts))
	maxLen := 0
	for i, text := range texts {
		enc := a.tk.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := enc.IDs
		if len(ids) > maxBatchTokens {
			ids = ids[:maxBatchTokens]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		out[i] = BatchEncoded{IDs: ids64, Mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	return out, maxLen
}
