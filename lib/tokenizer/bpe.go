// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tokenizer

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultBPEEncoding is the tiktoken encoding used when none is configured
const DefaultBPEEncoding = "cl100k_base"

// BPETokenizer uses OpenAI's tiktoken BPE tokenization.
// Offsets are recovered by decoding each token to its bytes.
type BPETokenizer struct {
	tiktoken *tiktoken.Tiktoken
}

var _ Tokenizer = (*BPETokenizer)(nil)

func init() {
	// Set the offline loader for tiktoken to avoid network requests
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// NewBPETokenizer creates a BPE tokenizer using tiktoken-go with embedded dictionaries.
// The encoding parameter specifies which BPE encoding to use:
// - "cl100k_base": GPT-4, GPT-3.5-turbo (default)
// - "o200k_base": GPT-4o models
// - "p50k_base": Codex models
// - "r50k_base": GPT-3 models
func NewBPETokenizer(encoding string) (*BPETokenizer, error) {
	if encoding == "" {
		encoding = DefaultBPEEncoding
	}

	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %q: %w", encoding, err)
	}

	return &BPETokenizer{tiktoken: tk}, nil
}

// Encode tokenizes text without special tokens. Leading whitespace that BPE
// folds into a token is excluded from its span, and whitespace-only tokens
// are reported with end offset -1.
func (t *BPETokenizer) Encode(text string) (*Encoding, error) {
	ids := t.tiktoken.EncodeOrdinary(text)
	enc := &Encoding{
		Text:   text,
		IDs:    ids,
		Tokens: make([]string, len(ids)),
		Starts: make([]int, len(ids)),
		Ends:   make([]int, len(ids)),
	}

	pos := 0
	for i, id := range ids {
		piece := t.tiktoken.Decode([]int{id})
		start, end := pos, min(pos+len(piece), len(text))
		pos = end
		enc.Tokens[i] = piece

		trimmed := strings.TrimLeftFunc(text[start:end], unicode.IsSpace)
		if strings.TrimSpace(trimmed) == "" {
			enc.Starts[i], enc.Ends[i] = -1, -1
			continue
		}
		enc.Starts[i] = end - len(trimmed)
		enc.Ends[i] = end
	}
	if pos != len(text) {
		return nil, fmt.Errorf("bpe offsets cover %d of %d bytes", pos, len(text))
	}
	return enc, nil
}

// CountTokens returns the number of tokens in the text.
func (t *BPETokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	tokens := t.tiktoken.Encode(text, nil, nil)
	return len(tokens)
}
