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

package assembly

import (
	"iter"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/seqlabel/lib/labels"
)

const pad = "<PAD>"

var classes = []string{pad, "LOC", "PER"}

// tok is one token of a test window
type tok struct {
	start, end int
	labels     []string
	probs      []float64
}

func window(text string, first, last bool, toks ...tok) WindowPrediction {
	w := WindowPrediction{
		Text:       text,
		StartOfDoc: first,
		EndOfDoc:   last,
		WindowEnd:  len(toks),
	}
	for _, t := range toks {
		w.TokenStarts = append(w.TokenStarts, t.start)
		w.TokenEnds = append(w.TokenEnds, t.end)
		w.Labels = append(w.Labels, t.labels)
		w.Probs = append(w.Probs, t.probs)
	}
	return w
}

func one(label string) []string { return []string{label} }

func assemble(t *testing.T, a *Assembler, mode Mode, windows ...WindowPrediction) []Result {
	t.Helper()
	res, err := Collect(a.Assemble(slices.Values(windows), mode))
	require.NoError(t, err)
	return res
}

func TestAssemblePlain(t *testing.T) {
	text := "John Smith lives in Paris"
	a := &Assembler{Classes: classes, PadToken: pad, SubtokenPredictions: true}

	res := assemble(t, a, ModePlain, window(text, true, true,
		tok{-1, -1, one(pad), []float64{1, 0, 0}},
		tok{0, 4, one("PER"), []float64{0.1, 0.1, 0.8}},
		tok{5, 10, one("PER"), []float64{0.1, 0.3, 0.6}},
		tok{11, 16, one(pad), []float64{0.9, 0.05, 0.05}},
		tok{17, 19, one(pad), []float64{0.9, 0.05, 0.05}},
		tok{20, 25, one("LOC"), []float64{0.2, 0.7, 0.1}},
		tok{-1, -1, one(pad), []float64{1, 0, 0}},
	))

	require.Len(t, res, 1)
	pred := res[0].Prediction
	require.Len(t, pred, 2)

	assert.Equal(t, "PER", pred[0].Label)
	assert.Equal(t, "John Smith", pred[0].Text)
	assert.Equal(t, 0, pred[0].Start)
	assert.Equal(t, 10, pred[0].End)
	assert.InDelta(t, 0.7, pred[0].Confidence, 1e-9)
	assert.InDelta(t, 0.2, pred[0].Probabilities["LOC"], 1e-9)
	assert.Contains(t, pred[0].Probabilities, pad)

	assert.Equal(t, "LOC", pred[1].Label)
	assert.Equal(t, "Paris", pred[1].Text)
	assert.InDelta(t, 0.7, pred[1].Confidence, 1e-9)

	assert.Nil(t, res[0].Tokens)
	assert.Nil(t, res[0].NegativeConfidence)
}

func TestAssembleAcrossWindowsAndDocuments(t *testing.T) {
	text := "John Smith lives in Paris"
	a := &Assembler{Classes: classes, PadToken: pad, SubtokenPredictions: true}

	first := window(text, true, false,
		tok{0, 4, one("PER"), []float64{0, 0, 1}},
		tok{5, 10, one("PER"), []float64{0, 0, 1}},
		tok{11, 16, one(pad), []float64{1, 0, 0}},
	)
	first.WindowEnd = 2

	second := window(text, false, true,
		tok{5, 10, one("PER"), []float64{0, 0, 1}},
		tok{11, 16, one(pad), []float64{1, 0, 0}},
		tok{17, 19, one(pad), []float64{1, 0, 0}},
		tok{20, 25, one("LOC"), []float64{0, 1, 0}},
	)
	second.WindowStart = 1

	other := window("Rome", true, true, tok{0, 4, one("LOC"), []float64{0, 1, 0}})

	res := assemble(t, a, ModePlain, first, second, other)
	require.Len(t, res, 2)
	require.Len(t, res[0].Prediction, 2)
	assert.Equal(t, "John Smith", res[0].Prediction[0].Text)
	assert.Equal(t, "Paris", res[0].Prediction[1].Text)
	require.Len(t, res[1].Prediction, 1)
	assert.Equal(t, "Rome", res[1].Prediction[0].Text)
}

func TestAssembleEmptyDocument(t *testing.T) {
	a := &Assembler{Classes: classes, PadToken: pad}
	res := assemble(t, a, ModePlain, window("", true, true))
	require.Len(t, res, 1)
	assert.Empty(t, res[0].Prediction)
	assert.NotNil(t, res[0].Prediction)
}

func TestAssembleInvariantErrors(t *testing.T) {
	text := "abcdefgh"
	tests := []struct {
		name    string
		windows []WindowPrediction
		err     error
	}{
		{
			name: "non monotonic",
			windows: []WindowPrediction{window(text, true, true,
				tok{2, 4, one(pad), []float64{1, 0, 0}},
				tok{1, 3, one(pad), []float64{1, 0, 0}},
			)},
			err: ErrNonMonotonic,
		},
		{
			name: "inverted",
			windows: []WindowPrediction{window(text, true, true,
				tok{4, 2, one(pad), []float64{1, 0, 0}},
			)},
			err: ErrInvertedSpan,
		},
		{
			name: "shape",
			windows: []WindowPrediction{{
				Text:        text,
				TokenStarts: []int{0},
				TokenEnds:   []int{1, 2},
				StartOfDoc:  true,
				EndOfDoc:    true,
			}},
			err: ErrWindowShape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Assembler{Classes: classes, PadToken: pad}
			_, err := Collect(a.Assemble(slices.Values(tt.windows), ModePlain))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestAssembleWordExpansion(t *testing.T) {
	text := "Johnson lives"
	toks := []tok{
		{0, 4, one("PER"), []float64{0, 0, 1}},
		{4, 7, one(pad), []float64{1, 0, 0}},
		{8, 13, one(pad), []float64{1, 0, 0}},
	}

	tests := []struct {
		name     string
		subtoken bool
		want     string
	}{
		{name: "subtoken", subtoken: true, want: "John"},
		{name: "whole word", subtoken: false, want: "Johnson"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Assembler{Classes: classes, PadToken: pad, SubtokenPredictions: tt.subtoken}
			res := assemble(t, a, ModePlain, window(text, true, true, toks...))
			require.Len(t, res[0].Prediction, 1)
			assert.Equal(t, tt.want, res[0].Prediction[0].Text)
			assert.Equal(t, 0, res[0].Prediction[0].Start)
		})
	}
}

func TestAssembleMultiLabel(t *testing.T) {
	text := "a b c"
	a := &Assembler{Classes: []string{pad, "X", "Y"}, PadToken: pad, MultiLabel: true, SubtokenPredictions: true}

	res := assemble(t, a, ModePlain, window(text, true, true,
		tok{0, 1, []string{"X"}, []float64{0, 0.9, 0.1}},
		tok{2, 3, []string{"X", "Y"}, []float64{0, 0.7, 0.8}},
		tok{4, 5, []string{"Y"}, []float64{0, 0.2, 0.6}},
	))

	pred := res[0].Prediction
	require.Len(t, pred, 2)

	assert.Equal(t, "X", pred[0].Label)
	assert.Equal(t, "a b", pred[0].Text)
	assert.InDelta(t, 0.8, pred[0].Confidence, 1e-9)
	assert.NotContains(t, pred[0].Probabilities, pad)

	assert.Equal(t, "Y", pred[1].Label)
	assert.Equal(t, "b c", pred[1].Text)
	assert.InDelta(t, 0.7, pred[1].Confidence, 1e-9)
}

func TestAssemblePerToken(t *testing.T) {
	text := "Johnson lives"
	a := &Assembler{Classes: classes, PadToken: pad, SubtokenPredictions: true}

	res := assemble(t, a, ModePerToken, window(text, true, true,
		tok{0, 4, one("PER"), []float64{0.1, 0, 0.9}},
		tok{4, 7, one("PER"), []float64{0.3, 0, 0.7}},
		tok{8, 13, one(pad), []float64{0.9, 0.1, 0}},
	))

	require.Len(t, res, 1)
	words := res[0].Tokens
	require.Len(t, words, 2)
	assert.Equal(t, "Johnson", words[0].Text)
	assert.Equal(t, "PER", words[0].Label)
	assert.InDelta(t, 0.8, words[0].Confidence, 1e-9)
	assert.Equal(t, "lives", words[1].Text)
	assert.Equal(t, pad, words[1].Label)

	// merged spans are still reported
	require.Len(t, res[0].Prediction, 1)
	assert.Equal(t, "Johnson", res[0].Prediction[0].Text)
	assert.InDelta(t, 0.8, res[0].Prediction[0].Confidence, 1e-9)
}

func TestAssemblePerTokenTrailingPiece(t *testing.T) {
	text := "Johnson lives"
	a := &Assembler{Classes: classes, PadToken: pad, SubtokenPredictions: true}

	// the last token stops short of the end of its word
	res := assemble(t, a, ModePerToken, window(text, true, true,
		tok{0, 4, one("PER"), []float64{0.1, 0, 0.9}},
		tok{4, 7, one("PER"), []float64{0.3, 0, 0.7}},
		tok{8, 12, one(pad), []float64{0.9, 0.1, 0}},
	))

	require.Len(t, res, 1)
	words := res[0].Tokens
	require.Len(t, words, 2)
	assert.Equal(t, "Johnson", words[0].Text)
	assert.Equal(t, 8, words[1].Start)
	assert.Equal(t, 12, words[1].End)
	assert.Equal(t, "live", words[1].Text)
	assert.Equal(t, pad, words[1].Label)
}

func TestAssembleNegativeConfidence(t *testing.T) {
	text := "a b c d e f"
	a := &Assembler{Classes: classes, PadToken: pad, SubtokenPredictions: true}

	res := assemble(t, a, ModeNegativeConfidence,
		window(text, true, false,
			tok{0, 1, one(pad), []float64{0.8, 0.1, 0.1}},
			tok{2, 3, one("PER"), []float64{0.1, 0.2, 0.7}},
			tok{4, 5, one(pad), []float64{0.6, 0.3, 0.1}},
		),
		window(text, false, true,
			tok{6, 7, one(pad), []float64{0.1, 0.5, 0.4}},
		),
	)

	require.Len(t, res, 1)
	neg := res[0].NegativeConfidence
	assert.InDelta(t, 0.0, neg[pad], 1e-9)
	assert.InDelta(t, 0.5, neg["LOC"], 1e-9)
	assert.InDelta(t, 0.4, neg["PER"], 1e-9)
}

func TestAssembleIsLazy(t *testing.T) {
	pulled := 0
	var seq iter.Seq[WindowPrediction] = func(yield func(WindowPrediction) bool) {
		for range 5 {
			pulled++
			if !yield(window("x", true, true, tok{0, 1, one(pad), []float64{1, 0, 0}})) {
				return
			}
		}
	}

	a := &Assembler{Classes: classes, PadToken: pad}
	for _, err := range a.Assemble(seq, ModePlain) {
		require.NoError(t, err)
		break
	}
	assert.Equal(t, 1, pulled)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModePlain, ModePerToken, ModeNegativeConfidence} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePlain, got)

	_, err = ParseMode("verbose")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestNegativeSamples(t *testing.T) {
	gold := [][]labels.Label{{{Start: 0, End: 5, Label: "X"}}}
	preds := [][]labels.Label{{
		{Start: 0, End: 4, Label: "X", Confidence: 0.9},
		{Start: 10, End: 12, Label: "Y", Confidence: 0.6},
	}}

	out := NegativeSamples(preds, gold, pad)
	require.Len(t, out, 1)
	require.Len(t, out[0], 2)
	assert.Equal(t, labels.Label{Start: 10, End: 12, Label: pad}, out[0][1])

	assert.Len(t, gold[0], 1)
	assert.Equal(t, "Y", preds[0][1].Label)
}
