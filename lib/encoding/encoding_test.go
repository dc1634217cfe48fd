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

package encoding

import (
	"testing"
	"unicode"

	"github.com/antflydb/seqlabel/lib/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sample = "John Smith lives in New York City"

// wordTokens splits text on spaces into tokens with byte offsets.
func wordTokens(text string) []labels.Token {
	var out []labels.Token
	start := -1
	for i, r := range text + " " {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, labels.Token{Start: start, End: i, Text: text[start:i]})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return out
}

func span(text string, start, end int, label string) labels.Label {
	return labels.Label{Start: start, End: end, Label: label, Text: text[start:end]}
}

func sampleDoc() Annotated {
	return Annotated{Labels: []labels.Label{
		span(sample, 0, 10, "PER"),
		span(sample, 20, 33, "LOC"),
	}}
}

func mustEncoder(t *testing.T, p Policy, opts Options) Encoder {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	enc, err := New(p, opts)
	require.NoError(t, err)
	return enc
}

func flat(t *testing.T, enc Encoder, target Target) []string {
	t.Helper()
	decoded, err := enc.InverseTransform(target)
	require.NoError(t, err)
	out := make([]string, len(decoded))
	for i, d := range decoded {
		require.Len(t, d, 1)
		out[i] = d[0]
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	for _, p := range Policies {
		got, err := ParsePolicy(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyPlain, got)

	_, err = ParsePolicy("crf")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestPlainTransform(t *testing.T) {
	enc := mustEncoder(t, PolicyPlain, Options{})
	require.NoError(t, enc.Fit([]Annotated{sampleDoc()}))
	assert.Equal(t, []string{DefaultPadToken, "LOC", "PER"}, enc.Vocabulary().Classes())

	target, diag, err := enc.Transform(wordTokens(sample), sampleDoc())
	require.NoError(t, err)
	assert.True(t, diag.Empty())
	assert.Equal(t,
		[]string{"PER", "PER", DefaultPadToken, DefaultPadToken, "LOC", "LOC", "LOC"},
		flat(t, enc, target))
}

func TestBIOVocabularySize(t *testing.T) {
	docs := []Annotated{{Labels: []labels.Label{
		{Start: 0, End: 1, Label: "A"},
		{Start: 2, End: 3, Label: "B"},
		{Start: 4, End: 5, Label: "C"},
	}}}
	enc := mustEncoder(t, PolicyBIO, Options{})
	require.NoError(t, enc.Fit(docs))
	assert.Equal(t, 2*3+1, enc.Vocabulary().Len())
	assert.Equal(t, DefaultPadToken, enc.Vocabulary().Class(0))
}

func TestBIOSingleTokenSpan(t *testing.T) {
	doc := Annotated{Labels: []labels.Label{span(sample, 11, 16, "VERB")}}
	enc := mustEncoder(t, PolicyBIO, Options{})
	require.NoError(t, enc.Fit([]Annotated{doc}))

	target, _, err := enc.Transform(wordTokens(sample), doc)
	require.NoError(t, err)
	got := flat(t, enc, target)
	assert.Equal(t, "B-VERB", got[2])
	assert.NotContains(t, got, "I-VERB")
}

func TestBIOThreeTokenSpan(t *testing.T) {
	enc := mustEncoder(t, PolicyBIO, Options{})
	require.NoError(t, enc.Fit([]Annotated{sampleDoc()}))

	target, _, err := enc.Transform(wordTokens(sample), sampleDoc())
	require.NoError(t, err)
	got := flat(t, enc, target)
	assert.Equal(t, []string{"B-PER", "I-PER"}, got[0:2])
	assert.Equal(t, []string{"B-LOC", "I-LOC", "I-LOC"}, got[4:7])
}

func TestUnknownLabelIsSkipped(t *testing.T) {
	enc := mustEncoder(t, PolicyBIO, Options{})
	require.NoError(t, enc.Fit([]Annotated{sampleDoc()}))

	doc := Annotated{Labels: []labels.Label{span(sample, 11, 16, "VERB")}}
	target, diag, err := enc.Transform(wordTokens(sample), doc)
	require.NoError(t, err)
	for _, idx := range target.Indices {
		assert.Equal(t, 0, idx)
	}
	require.Len(t, diag.UnknownLabels, 1)
	assert.Equal(t, "B-VERB", diag.UnknownLabels[0].Label)
	assert.Equal(t, 2, diag.UnknownLabels[0].Token)
}

func TestMismatchedTextIsFatal(t *testing.T) {
	enc := mustEncoder(t, PolicyPlain, Options{})
	require.NoError(t, enc.Fit([]Annotated{sampleDoc()}))

	doc := Annotated{Labels: []labels.Label{{Start: 0, End: 4, Label: "PER", Text: "Jane"}}}
	_, _, err := enc.Transform(wordTokens(sample), doc)
	assert.ErrorIs(t, err, labels.ErrInconsistentLabels)
}

func TestConflictLaterLabelWins(t *testing.T) {
	doc := Annotated{Labels: []labels.Label{
		span(sample, 0, 10, "PER"),
		span(sample, 5, 10, "SURNAME"),
	}}
	enc := mustEncoder(t, PolicyPlain, Options{})
	require.NoError(t, enc.Fit([]Annotated{doc}))

	target, diag, err := enc.Transform(wordTokens(sample), doc)
	require.NoError(t, err)
	got := flat(t, enc, target)
	assert.Equal(t, "PER", got[0])
	assert.Equal(t, "SURNAME", got[1])
	require.Len(t, diag.Conflicts, 1)
	assert.Equal(t, Conflict{Token: 1, Previous: "PER", Current: "SURNAME"}, diag.Conflicts[0])
}

func TestUnsortedLabelsRejected(t *testing.T) {
	doc := Annotated{Labels: []labels.Label{
		span(sample, 20, 33, "LOC"),
		span(sample, 0, 10, "PER"),
	}}
	enc := mustEncoder(t, PolicyPlain, Options{})
	require.NoError(t, enc.Fit([]Annotated{doc}))

	_, _, err := enc.Transform(wordTokens(sample), doc)
	assert.ErrorIs(t, err, labels.ErrUnsortedLabels)
}

func TestFitOnceAndNotFitted(t *testing.T) {
	enc := mustEncoder(t, PolicyPlain, Options{})
	_, _, err := enc.Transform(wordTokens(sample), sampleDoc())
	assert.ErrorIs(t, err, ErrNotFitted)

	require.NoError(t, enc.Fit([]Annotated{sampleDoc()}))
	assert.ErrorIs(t, enc.Fit([]Annotated{sampleDoc()}), ErrAlreadyFitted)
}

func TestRestore(t *testing.T) {
	fitted := mustEncoder(t, PolicyBIO, Options{})
	require.NoError(t, fitted.Fit([]Annotated{sampleDoc()}))

	restored := mustEncoder(t, PolicyBIO, Options{})
	require.NoError(t, restored.Restore(fitted.Vocabulary().Classes()))
	assert.Equal(t, fitted.Vocabulary().Classes(), restored.Vocabulary().Classes())

	bad := mustEncoder(t, PolicyBIO, Options{})
	assert.Error(t, bad.Restore([]string{"B-PER"}))
}

func TestGroupTagging(t *testing.T) {
	// one continuous group covering "New York City" holding two labels
	doc := Annotated{
		Labels: []labels.Label{
			span(sample, 20, 28, "CITY"),
			span(sample, 29, 33, "SUFFIX"),
		},
		Groups: []labels.Group{{Tokens: []labels.Span{{Start: 20, End: 33, Text: "New York City"}}}},
	}
	enc := mustEncoder(t, PolicyGroup, Options{BIO: true})
	require.NoError(t, enc.Fit([]Annotated{doc}))

	classes := enc.Vocabulary().Classes()
	assert.Contains(t, classes, "BG-B-CITY")
	assert.Contains(t, classes, "IG-I-CITY")
	assert.NotContains(t, classes, "BG-I-CITY")

	target, diag, err := enc.Transform(wordTokens(sample), doc)
	require.NoError(t, err)
	assert.True(t, diag.Empty())
	got := flat(t, enc, target)
	assert.Equal(t, []string{"BG-B-CITY", "IG-I-CITY", "IG-B-SUFFIX"}, got[4:7])
	assert.Equal(t, DefaultPadToken, got[0])

	// caller labels are untouched
	for _, l := range doc.Labels {
		assert.Nil(t, l.GroupStart)
	}
}

func TestGroupTaggingIgnoresDiscontinuousGroups(t *testing.T) {
	doc := Annotated{
		Labels: []labels.Label{span(sample, 0, 10, "PER")},
		Groups: []labels.Group{{Tokens: []labels.Span{
			{Start: 0, End: 4, Text: "John"},
			{Start: 5, End: 10, Text: "Smith"},
		}}},
	}
	enc := mustEncoder(t, PolicyGroup, Options{BIO: true})
	require.NoError(t, enc.Fit([]Annotated{doc}))

	target, _, err := enc.Transform(wordTokens(sample), doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"B-PER", "I-PER"}, flat(t, enc, target)[0:2])
}

func TestPipelineGroupPass(t *testing.T) {
	doc := Annotated{
		Labels: []labels.Label{span(sample, 0, 10, "PER")},
		Groups: []labels.Group{{Tokens: []labels.Span{{Start: 20, End: 33, Text: "New York City"}}}},
	}

	t.Run("bio", func(t *testing.T) {
		enc := mustEncoder(t, PolicyPipeline, Options{BIO: true, PipelineGroup: true})
		require.NoError(t, enc.Fit([]Annotated{doc}))
		assert.Equal(t, []string{DefaultPadToken, "B-GROUP", "I-GROUP"}, enc.Vocabulary().Classes())

		target, _, err := enc.Transform(wordTokens(sample), doc)
		require.NoError(t, err)
		got := flat(t, enc, target)
		assert.Equal(t, DefaultPadToken, got[0])
		assert.Equal(t, []string{"B-GROUP", "I-GROUP", "I-GROUP"}, got[4:7])
	})

	t.Run("plain", func(t *testing.T) {
		enc := mustEncoder(t, PolicyPipeline, Options{PipelineGroup: true})
		require.NoError(t, enc.Fit([]Annotated{doc}))
		assert.Equal(t, []string{DefaultPadToken, "GROUP"}, enc.Vocabulary().Classes())
	})

	t.Run("entity pass", func(t *testing.T) {
		enc := mustEncoder(t, PolicyPipeline, Options{BIO: true})
		require.NoError(t, enc.Fit([]Annotated{doc}))
		target, _, err := enc.Transform(wordTokens(sample), doc)
		require.NoError(t, err)
		assert.Equal(t, []string{"B-PER", "I-PER"}, flat(t, enc, target)[0:2])
	})
}

func TestMultiLabel(t *testing.T) {
	doc := Annotated{Labels: []labels.Label{
		span(sample, 0, 10, "PER"),
		span(sample, 5, 10, "SURNAME"),
	}}
	enc := mustEncoder(t, PolicyMultiLabel, Options{BIO: true})
	require.NoError(t, enc.Fit([]Annotated{doc}))
	assert.True(t, enc.MultiLabel())
	assert.Equal(t, []string{DefaultPadToken, "PER", "SURNAME"}, enc.Vocabulary().Classes())

	target, diag, err := enc.Transform(wordTokens(sample), doc)
	require.NoError(t, err)
	assert.True(t, diag.Empty())
	assert.Equal(t, []int{0, 1, 0}, target.Multi[0])
	assert.Equal(t, []int{0, 1, 1}, target.Multi[1])

	decoded, err := enc.InverseTransform(target)
	require.NoError(t, err)
	assert.Equal(t, []string{"PER"}, decoded[0])
	assert.Equal(t, []string{"PER", "SURNAME"}, decoded[1])
	assert.Empty(t, decoded[2])

	_, err = enc.InverseTransform(Target{Indices: []int{0}})
	assert.ErrorIs(t, err, ErrTargetShape)
}

func TestDualHead(t *testing.T) {
	doc := Annotated{
		Labels: []labels.Label{
			span(sample, 0, 10, "PER"),
			span(sample, 20, 33, "LOC"),
		},
		Groups: []labels.Group{{Tokens: []labels.Span{{Start: 20, End: 33, Text: "New York City"}}}},
	}
	enc := mustEncoder(t, PolicyDualHead, Options{BIO: true})
	require.NoError(t, enc.Fit([]Annotated{doc}))

	target, _, err := enc.Transform(wordTokens(sample), doc)
	require.NoError(t, err)
	require.Len(t, target.GroupIndices, 7)
	assert.Equal(t, []int{0, 0, 0, 0, 1, 2, 2}, target.GroupIndices)

	got := flat(t, enc, target)
	assert.Equal(t, []string{"B-PER", "I-PER", DefaultPadToken, DefaultPadToken, "BG-B-LOC", "IG-I-LOC", "IG-I-LOC"}, got)

	dh := enc.(*dualHeadEncoder)
	assert.Equal(t, []string{DefaultPadToken, "BG-", "IG-"}, dh.GroupVocabulary().Classes())
	labelsOnly, err := dh.InverseTransformLabels(target)
	require.NoError(t, err)
	assert.Equal(t, []string{"B-LOC"}, labelsOnly[4])
}

func TestDualHeadIsReentrant(t *testing.T) {
	doc := sampleDoc()
	doc.Groups = []labels.Group{{Tokens: []labels.Span{{Start: 0, End: 10, Text: "John Smith"}}}}
	enc := mustEncoder(t, PolicyDualHead, Options{BIO: true})
	require.NoError(t, enc.Fit([]Annotated{doc}))

	first, _, err := enc.Transform(wordTokens(sample), doc)
	require.NoError(t, err)
	second, _, err := enc.Transform(wordTokens(sample), doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{DefaultPadToken, "B-LOC", "B-PER", "I-LOC", "I-PER"}, enc.Vocabulary().Classes())
}

func TestRoundTripSpans(t *testing.T) {
	enc := mustEncoder(t, PolicyBIO, Options{})
	require.NoError(t, enc.Fit([]Annotated{sampleDoc()}))
	tokens := wordTokens(sample)

	target, _, err := enc.Transform(tokens, sampleDoc())
	require.NoError(t, err)

	// rebuild spans from B-/I- tags
	var got []labels.Label
	for i, c := range flat(t, enc, target) {
		switch {
		case len(c) > 2 && c[:2] == "B-":
			got = append(got, labels.Label{Start: tokens[i].Start, End: tokens[i].End, Label: c[2:]})
		case len(c) > 2 && c[:2] == "I-":
			got[len(got)-1].End = tokens[i].End
		}
	}
	want := sampleDoc().Labels
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Label, got[i].Label)
		assert.Equal(t, want[i].Start, got[i].Start)
		assert.Equal(t, want[i].End, got[i].End)
	}
}

func TestClassCounts(t *testing.T) {
	enc := mustEncoder(t, PolicyPlain, Options{})
	require.NoError(t, enc.Fit([]Annotated{sampleDoc()}))
	target, _, err := enc.Transform(wordTokens(sample), sampleDoc())
	require.NoError(t, err)

	counts, err := ClassCounts(enc, []Target{target, target})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"PER": 4, "LOC": 6, DefaultPadToken: 4}, counts)
}

func TestDiagnosticsMerge(t *testing.T) {
	d := &Diagnostics{}
	assert.True(t, d.Empty())
	d.Merge(&Diagnostics{UnknownLabels: []UnknownLabel{{Label: "X"}}, DroppedWindows: 2})
	d.Merge(nil)
	assert.False(t, d.Empty())
	assert.Len(t, d.UnknownLabels, 1)
	assert.Equal(t, 2, d.DroppedWindows)
}
