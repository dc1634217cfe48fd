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

// Package tokenizer adapts subword tokenizers to the span-aligned form the
// label encoders consume: ids plus byte offsets into the raw text.
package tokenizer

import (
	"errors"
	"fmt"

	"github.com/antflydb/seqlabel/lib/labels"
)

// ErrUnknownKind is returned by New for an unrecognized tokenizer kind
var ErrUnknownKind = errors.New("unknown tokenizer kind")

// Tokenizer produces span-aligned tokens for a raw text
type Tokenizer interface {
	// Encode tokenizes text. Special and padding tokens have an end offset of -1.
	Encode(text string) (*Encoding, error)
	// CountTokens returns the number of tokens in the text.
	// Returns a character-based estimate on error.
	CountTokens(text string) int
}

// Encoding is the tokenizer output for one text. IDs, Tokens, Starts and
// Ends are parallel.
type Encoding struct {
	Text   string
	IDs    []int
	Tokens []string
	Starts []int
	Ends   []int
}

// Len returns the number of tokens
func (e *Encoding) Len() int {
	return len(e.IDs)
}

// LabelTokens returns tokens whose text is the raw text slice they cover,
// for overlap checks against label text.
func (e *Encoding) LabelTokens(from, to int) []labels.Token {
	out := make([]labels.Token, 0, to-from)
	for i := from; i < to; i++ {
		tok := labels.Token{Start: e.Starts[i], End: e.Ends[i]}
		if tok.End != -1 {
			tok.Text = e.Text[tok.Start:tok.End]
		}
		out = append(out, tok)
	}
	return out
}

// Kind names a tokenizer implementation
type Kind string

const (
	KindWordPiece  Kind = "wordpiece"
	KindBPE        Kind = "bpe"
	KindWhitespace Kind = "whitespace"
)

// Config selects and parameterizes a tokenizer
type Config struct {
	Kind Kind `json:"kind"`
	// Encoding is the tiktoken encoding name for KindBPE
	Encoding string `json:"encoding,omitempty"`
	// VocabFile is the WordPiece vocab.txt path for KindWordPiece
	VocabFile string `json:"vocab_file,omitempty"`
	// Lowercase applies to KindWordPiece
	Lowercase bool `json:"lowercase,omitempty"`
}

// New builds the tokenizer described by cfg. An empty kind means whitespace.
func New(cfg Config) (Tokenizer, error) {
	switch cfg.Kind {
	case KindWhitespace, "":
		return NewWhitespaceTokenizer(), nil
	case KindBPE:
		return NewBPETokenizer(cfg.Encoding)
	case KindWordPiece:
		return NewWordPieceTokenizerFromFile(cfg.VocabFile, cfg.Lowercase)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
