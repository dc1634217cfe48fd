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

// Package assembly rebuilds span annotations from a stream of per-window
// token predictions.
//
// Windows of one document arrive in order, the first flagged StartOfDoc and
// the last EndOfDoc. Each window names the authoritative slice of its token
// predictions; adjacent tokens that share a label are merged into one span.
package assembly

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/antflydb/seqlabel/lib/labels"
)

var (
	// ErrNonMonotonic is returned when a token starts before the previous token ended
	ErrNonMonotonic = errors.New("token offsets are not monotonic")

	// ErrInvertedSpan is returned when a token ends before it starts
	ErrInvertedSpan = errors.New("token ends before it starts")

	// ErrWindowShape is returned when a window's parallel arrays disagree
	ErrWindowShape = errors.New("malformed window prediction")

	// ErrUnknownMode is returned by ParseMode
	ErrUnknownMode = errors.New("unknown output mode")
)

// Mode selects what Assemble reports per document
type Mode int

const (
	// ModePlain reports merged spans only
	ModePlain Mode = iota
	// ModePerToken also reports word-level token records
	ModePerToken
	// ModeNegativeConfidence also reports per-class negative confidence
	ModeNegativeConfidence
)

var modeNames = map[Mode]string{
	ModePlain:              "plain",
	ModePerToken:           "per_token",
	ModeNegativeConfidence: "negative_confidence",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode maps a mode name to a Mode. The empty string is ModePlain.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModePlain, nil
	}
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModePlain, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// WindowPrediction is the decoded output for one model window of a document
type WindowPrediction struct {
	// Text is the raw text of the whole document
	Text string

	// TokenStarts and TokenEnds are byte offsets into Text. An end of -1
	// marks padding or a special token.
	TokenStarts []int
	TokenEnds   []int

	// Labels holds the predicted classes per token: exactly one for
	// single-label models, the active set for multi-label models.
	Labels [][]string
	// Probs holds one probability vector per token, indexed like Assembler.Classes
	Probs [][]float64

	// WindowStart and WindowEnd bound the authoritative token slice
	WindowStart int
	WindowEnd   int

	StartOfDoc bool
	EndOfDoc   bool
}

// Result is the assembled prediction for one document
type Result struct {
	Prediction         []labels.Label     `json:"prediction"`
	Tokens             []labels.Label     `json:"tokens,omitempty"`
	NegativeConfidence map[string]float64 `json:"negative_confidence,omitempty"`
}

// Assembler merges token predictions into spans
type Assembler struct {
	// Classes is the class vocabulary, in probability-vector order
	Classes []string
	// PadToken is the "no label" class
	PadToken string
	// MultiLabel selects multi-label assembly: the pad class is dropped
	// from probabilities and each active class yields its own span.
	MultiLabel bool
	// SubtokenPredictions keeps span edges on sub-word token boundaries.
	// When false, spans grow to cover whole whitespace-delimited words.
	SubtokenPredictions bool
}

// subsequence is a run of consecutive tokens sharing one label set
type subsequence struct {
	start, end int
	labels     []string
	probs      [][]float64
}

type document struct {
	text    string
	subseqs []subsequence
	lastEnd int
	// negative is the running per-class max of masked probabilities
	negative []float64
}

// Assemble returns a lazy, single-use sequence of per-document results.
// Iteration stops after the first error.
func (a *Assembler) Assemble(seq iter.Seq[WindowPrediction], mode Mode) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		index := make(map[string]int, len(a.Classes))
		for i, c := range a.Classes {
			index[c] = i
		}

		var doc *document
		for w := range seq {
			if w.StartOfDoc || doc == nil {
				doc = &document{text: w.Text}
			}
			if err := a.add(doc, w, mode, index); err != nil {
				yield(Result{}, err)
				return
			}
			if !w.EndOfDoc {
				continue
			}
			res := a.finish(doc, mode)
			doc = nil
			if !yield(res, nil) {
				return
			}
		}
	}
}

// Collect drains an assembled sequence
func Collect(seq iter.Seq2[Result, error]) ([]Result, error) {
	var out []Result
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *Assembler) add(doc *document, w WindowPrediction, mode Mode, index map[string]int) error {
	n := len(w.TokenStarts)
	if len(w.TokenEnds) != n || len(w.Labels) != n || len(w.Probs) != n {
		return fmt.Errorf("%w: %d starts, %d ends, %d labels, %d probability rows",
			ErrWindowShape, n, len(w.TokenEnds), len(w.Labels), len(w.Probs))
	}
	if w.WindowStart < 0 || w.WindowStart > w.WindowEnd || w.WindowEnd > n {
		return fmt.Errorf("%w: slice [%d:%d] of %d tokens", ErrWindowShape, w.WindowStart, w.WindowEnd, n)
	}

	starts := w.TokenStarts[w.WindowStart:w.WindowEnd]
	ends := w.TokenEnds[w.WindowStart:w.WindowEnd]
	labs := w.Labels[w.WindowStart:w.WindowEnd]
	probs := w.Probs[w.WindowStart:w.WindowEnd]

	if mode == ModeNegativeConfidence {
		doc.negative = maxInto(doc.negative, a.maskedMax(labs, probs, index))
	}

	perToken := mode == ModePerToken
	for i := range starts {
		start, end := starts[i], ends[i]
		if end == -1 {
			continue
		}
		if start < doc.lastEnd {
			return fmt.Errorf("%w: token starts at %d before previous end %d", ErrNonMonotonic, start, doc.lastEnd)
		}
		if end < start {
			return fmt.Errorf("%w: token [%d, %d)", ErrInvertedSpan, start, end)
		}
		doc.lastEnd = end

		last := len(doc.subseqs) - 1
		if last < 0 || perToken || !slices.Equal(doc.subseqs[last].labels, labs[i]) {
			doc.subseqs = append(doc.subseqs, subsequence{
				start:  start,
				end:    end,
				labels: labs[i],
				probs:  [][]float64{probs[i]},
			})
			continue
		}
		doc.subseqs[last].end = end
		doc.subseqs[last].probs = append(doc.subseqs[last].probs, probs[i])
	}
	return nil
}

// maskedMax returns, per class, the highest probability seen in the window
// before that class was first predicted in it.
func (a *Assembler) maskedMax(labs [][]string, probs [][]float64, index map[string]int) []float64 {
	if len(probs) == 0 {
		return nil
	}
	firstSeen := make([]int, len(a.Classes))
	for j := range firstSeen {
		firstSeen[j] = len(probs)
	}
	for il, set := range labs {
		for _, c := range set {
			if j, ok := index[c]; ok && il < firstSeen[j] {
				firstSeen[j] = il
			}
		}
	}

	out := make([]float64, len(a.Classes))
	for r, row := range probs {
		for j := 0; j < len(out) && j < len(row); j++ {
			if r < firstSeen[j] && row[j] > out[j] {
				out[j] = row[j]
			}
		}
	}
	return out
}

func maxInto(acc, v []float64) []float64 {
	if acc == nil {
		return v
	}
	for j := 0; j < len(acc) && j < len(v); j++ {
		acc[j] = max(acc[j], v[j])
	}
	return acc
}

func (a *Assembler) finish(doc *document, mode Mode) Result {
	res := Result{Prediction: a.spans(doc)}
	if res.Prediction == nil {
		res.Prediction = []labels.Label{}
	}
	switch mode {
	case ModePerToken:
		res.Tokens = a.words(doc)
	case ModeNegativeConfidence:
		res.NegativeConfidence = make(map[string]float64, len(a.Classes))
		for j, c := range a.Classes {
			v := 0.0
			if j < len(doc.negative) {
				v = doc.negative[j]
			}
			res.NegativeConfidence[c] = v
		}
	}
	return res
}

// probMap turns a probability vector into a class keyed map
func (a *Assembler) probMap(vec []float64) map[string]float64 {
	m := make(map[string]float64, len(a.Classes))
	for j, c := range a.Classes {
		if j >= len(vec) {
			break
		}
		if a.MultiLabel && c == a.PadToken {
			continue
		}
		m[c] = vec[j]
	}
	return m
}

func (a *Assembler) isPad(set []string) bool {
	return len(set) == 0 || (len(set) == 1 && set[0] == a.PadToken)
}

func isSpace(b byte) bool {
	return strings.IndexByte(" \t\n\r\v\f", b) >= 0
}
