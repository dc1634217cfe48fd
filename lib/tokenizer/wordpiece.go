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
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/decoder"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/processor"
	"github.com/sugarme/tokenizer/util"
)

// WordPieceTokenizer uses BERT's WordPiece tokenization. [CLS] and [SEP]
// are added around every text and reported with end offset -1.
type WordPieceTokenizer struct {
	tokenizer *tokenizer.Tokenizer
	// stripAccents mirrors the normalizer, which drops nonspacing marks
	// when lowercasing
	stripAccents bool
}

var _ Tokenizer = (*WordPieceTokenizer)(nil)

// NewWordPieceTokenizerFromFile loads a BERT vocab.txt (one token per line,
// ID is the line number).
func NewWordPieceTokenizerFromFile(path string, lowercase bool) (*WordPieceTokenizer, error) {
	if path == "" {
		return nil, fmt.Errorf("wordpiece tokenizer requires a vocab file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocab file: %w", err)
	}
	return NewWordPieceTokenizer(string(data), lowercase)
}

// NewWordPieceTokenizer builds a BERT tokenizer from vocab file contents
func NewWordPieceTokenizer(vocabText string, lowercase bool) (*WordPieceTokenizer, error) {
	vocab := make(model.Vocab)
	for i, line := range strings.Split(vocabText, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			vocab[line] = i
		}
	}

	opts := util.NewParams(map[string]any{
		"unk_token": "[UNK]",
	})
	wp, err := wordpiece.New(vocab, opts)
	if err != nil {
		return nil, fmt.Errorf("creating wordpiece model: %w", err)
	}

	tk := tokenizer.NewTokenizer(wp)

	// clean text, lowercase, handle Chinese chars, strip accents
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, lowercase, true, lowercase))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	sepID, ok := tk.TokenToId("[SEP]")
	if !ok {
		return nil, fmt.Errorf("cannot find ID for [SEP] token")
	}
	clsID, ok := tk.TokenToId("[CLS]")
	if !ok {
		return nil, fmt.Errorf("cannot find ID for [CLS] token")
	}
	tk.WithPostProcessor(processor.NewBertProcessing(
		processor.PostToken{Id: sepID, Value: "[SEP]"},
		processor.PostToken{Id: clsID, Value: "[CLS]"},
	))

	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[MASK]", true)})
	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[SEP]", true)})
	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[CLS]", true)})

	tk.WithDecoder(decoder.DefaultWordpieceDecoder())

	return &WordPieceTokenizer{tokenizer: tk, stripAccents: lowercase}, nil
}

// Encode tokenizes text. The underlying library panics on some inputs
// (bounds check bug in BertNormalizer.TransformRange); those panics are
// returned as errors.
func (t *WordPieceTokenizer) Encode(text string) (enc *Encoding, err error) {
	defer func() {
		if r := recover(); r != nil {
			enc, err = nil, fmt.Errorf("wordpiece tokenizer panic: %v", r)
		}
	}()

	out, err := t.tokenizer.EncodeSingle(text)
	if err != nil {
		return nil, fmt.Errorf("encoding text: %w", err)
	}

	ids := out.GetIds()
	offsets := out.GetOffsets()
	specialMask := out.GetSpecialTokenMask()

	enc = &Encoding{
		Text:   text,
		IDs:    ids,
		Tokens: out.GetTokens(),
		Starts: make([]int, len(ids)),
		Ends:   make([]int, len(ids)),
	}
	for i := range ids {
		special := i < len(specialMask) && specialMask[i] == 1
		if special || i >= len(offsets) || len(offsets[i]) < 2 {
			enc.Starts[i], enc.Ends[i] = -1, -1
			continue
		}
		start := min(max(offsets[i][0], 0), len(text))
		end := min(max(offsets[i][1], start), len(text))
		enc.Starts[i], enc.Ends[i] = start, end
	}
	alignPieces(text, enc.Tokens, enc.Starts, enc.Ends, bertWords(text, t.stripAccents))
	return enc, nil
}

// bertWords returns the byte spans of the words the BERT normalizer and
// pre-tokenizer produce from text: whitespace separates words, each
// punctuation mark and CJK character is a word of its own, and runes the
// normalizer removes belong to no word.
func bertWords(text string, stripAccents bool) [][2]int {
	var words [][2]int
	start, end := -1, -1
	flush := func() {
		if start >= 0 {
			words = append(words, [2]int{start, end})
		}
		start, end = -1, -1
	}
	for i, r := range text {
		_, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case strings.ContainsRune(" \t\n\f\r", r):
			flush()
		case normalizer.IsBertPunctuation(r) || normalizer.IsChinese(r):
			flush()
			words = append(words, [2]int{i, i + size})
		case r == 0 || r == utf8.RuneError || unicode.In(r, unicode.Cc, unicode.Cf),
			stripAccents && unicode.Is(unicode.Mn, r):
			// removed by the normalizer; a word containing them still ends
			// after them
			if start >= 0 {
				end = i + size
			}
		default:
			if start < 0 {
				start = i
			}
			end = i + size
		}
	}
	flush()
	return words
}

// alignPieces snaps the pieces of each word onto the word's span in the
// original text. The library reports offsets into the normalized text,
// which drift once accents or control characters are removed. The first
// piece starts at the word start, the last ends at the word end, and
// inner boundaries are clamped to rune starts within the word. Offsets are
// left alone when the words cannot be matched to the pieces.
func alignPieces(text string, tokens []string, starts, ends []int, words [][2]int) {
	var firsts []int
	for i, tok := range tokens {
		if starts[i] < 0 {
			continue
		}
		if len(firsts) == 0 || !strings.HasPrefix(tok, "##") {
			firsts = append(firsts, i)
		}
	}
	if len(firsts) != len(words) {
		return
	}

	for w, first := range firsts {
		limit := len(tokens)
		if w+1 < len(firsts) {
			limit = firsts[w+1]
		}
		ws, we := words[w][0], words[w][1]
		prev := -1
		for i := first; i < limit; i++ {
			if starts[i] < 0 {
				continue
			}
			if prev < 0 {
				starts[i] = ws
			} else {
				b := min(max(starts[i], starts[prev]), we)
				for b > starts[prev] && b < len(text) && !utf8.RuneStart(text[b]) {
					b--
				}
				starts[i] = b
				ends[prev] = b
			}
			prev = i
		}
		ends[prev] = we
	}
}

// CountTokens returns the number of tokens in the text
func (t *WordPieceTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := t.Encode(text)
	if err != nil {
		// rough approximation (1 token ≈ 4 chars for English)
		return len(text) / 4
	}
	return enc.Len()
}
