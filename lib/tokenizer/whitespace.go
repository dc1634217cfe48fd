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
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// WhitespaceTokenizer splits on whitespace and emits every punctuation or
// symbol rune as its own token. It needs no vocabulary; IDs are hashes of
// the lowercased token text.
type WhitespaceTokenizer struct{}

var _ Tokenizer = WhitespaceTokenizer{}

// NewWhitespaceTokenizer returns a WhitespaceTokenizer
func NewWhitespaceTokenizer() WhitespaceTokenizer {
	return WhitespaceTokenizer{}
}

// Encode tokenizes text
func (WhitespaceTokenizer) Encode(text string) (*Encoding, error) {
	enc := &Encoding{Text: text}
	emit := func(start, end int) {
		tok := text[start:end]
		enc.IDs = append(enc.IDs, TokenID(tok))
		enc.Tokens = append(enc.Tokens, tok)
		enc.Starts = append(enc.Starts, start)
		enc.Ends = append(enc.Ends, end)
	}

	wordStart := -1
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			if wordStart >= 0 {
				emit(wordStart, i)
				wordStart = -1
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			if wordStart >= 0 {
				emit(wordStart, i)
				wordStart = -1
			}
			emit(i, i+utf8.RuneLen(r))
		default:
			if wordStart < 0 {
				wordStart = i
			}
		}
	}
	if wordStart >= 0 {
		emit(wordStart, len(text))
	}
	return enc, nil
}

// CountTokens returns the number of tokens in the text
func (w WhitespaceTokenizer) CountTokens(text string) int {
	enc, _ := w.Encode(text)
	return enc.Len()
}

// TokenID hashes a token's lowercased text into a non-negative id
func TokenID(tok string) int {
	return int(xxhash.Sum64String(strings.ToLower(tok)) >> 33)
}
