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

// Package chunking pre-splits over-long documents into fixed-size sub
// documents and joins per-chunk predictions back onto the original text.
package chunking

import (
	"unicode/utf8"

	"github.com/antflydb/seqlabel/lib/assembly"
	"github.com/antflydb/seqlabel/lib/labels"
)

// ChunkRef locates one chunk in the flattened chunk list
type ChunkRef struct {
	// Index is the position of the chunk in the list returned by Split
	Index int `json:"index"`
	// Offset is the character offset of the chunk start in the original document
	Offset int `json:"offset"`
}

// SplitIndex holds, per original document, its chunks in order
type SplitIndex [][]ChunkRef

// NumChunks returns the total number of chunks referenced
func (s SplitIndex) NumChunks() int {
	n := 0
	for _, refs := range s {
		n += len(refs)
	}
	return n
}

// Split cuts every document longer than maxChars characters into
// consecutive chunks of maxChars characters, so chunk k starts at character
// k*maxChars. maxChars <= 0 disables splitting.
func Split(docs []string, maxChars int) ([]string, SplitIndex) {
	chunks := make([]string, 0, len(docs))
	splits := make(SplitIndex, len(docs))

	for i, doc := range docs {
		n := utf8.RuneCountInString(doc)
		if maxChars <= 0 || n <= maxChars {
			splits[i] = []ChunkRef{{Index: len(chunks)}}
			chunks = append(chunks, doc)
			continue
		}

		refs := make([]ChunkRef, 0, (n+maxChars-1)/maxChars)
		start, runes := 0, 0
		for b := range doc {
			if runes > 0 && runes%maxChars == 0 {
				refs = append(refs, ChunkRef{Index: len(chunks), Offset: runes - maxChars})
				chunks = append(chunks, doc[start:b])
				start = b
			}
			runes++
		}
		refs = append(refs, ChunkRef{Index: len(chunks), Offset: (runes - 1) / maxChars * maxChars})
		chunks = append(chunks, doc[start:])
		splits[i] = refs
	}
	return chunks, splits
}

// Merge joins per-chunk span predictions into per-document predictions.
// Spans of chunk k are shifted by the chunk's offset and appended in chunk
// order. Single-chunk documents pass through unchanged. preds is not modified.
func Merge(preds [][]labels.Label, splits SplitIndex) [][]labels.Label {
	out := make([][]labels.Label, len(splits))
	for i, refs := range splits {
		if len(refs) == 1 {
			out[i] = preds[refs[0].Index]
			continue
		}
		var doc []labels.Label
		for _, ref := range refs {
			doc = append(doc, Shift(preds[ref.Index], ref.Offset)...)
		}
		out[i] = doc
	}
	return out
}

// Shift returns a copy of ls with every start and end moved by offset
func Shift(ls []labels.Label, offset int) []labels.Label {
	out := labels.Clone(ls)
	for i := range out {
		out[i].Start += offset
		out[i].End += offset
	}
	return out
}

// MergeResults joins per-chunk assembled results the way Merge joins spans.
// Token records are shifted alongside predictions and negative confidence
// keeps the per-class maximum over chunks.
func MergeResults(results []assembly.Result, splits SplitIndex) []assembly.Result {
	out := make([]assembly.Result, len(splits))
	for i, refs := range splits {
		if len(refs) == 1 {
			out[i] = results[refs[0].Index]
			continue
		}
		merged := assembly.Result{Prediction: []labels.Label{}}
		for _, ref := range refs {
			r := results[ref.Index]
			merged.Prediction = append(merged.Prediction, Shift(r.Prediction, ref.Offset)...)
			if r.Tokens != nil {
				merged.Tokens = append(merged.Tokens, Shift(r.Tokens, ref.Offset)...)
			}
			for c, v := range r.NegativeConfidence {
				if merged.NegativeConfidence == nil {
					merged.NegativeConfidence = make(map[string]float64, len(r.NegativeConfidence))
				}
				if cur, ok := merged.NegativeConfidence[c]; !ok || v > cur {
					merged.NegativeConfidence[c] = v
				}
			}
		}
		out[i] = merged
	}
	return out
}
