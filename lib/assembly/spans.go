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
	"cmp"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/antflydb/seqlabel/lib/labels"
	"github.com/antflydb/seqlabel/lib/tokenizer"
)

// run is an output span under construction. sum accumulates the
// probability rows of its n tokens.
type run struct {
	start, end int
	label      string
	sum        []float64
	n          int
}

func (r *run) addRows(rows [][]float64) {
	for _, row := range rows {
		if len(r.sum) < len(row) {
			r.sum = append(r.sum, make([]float64, len(row)-len(r.sum))...)
		}
		floats.Add(r.sum[:len(row)], row)
		r.n++
	}
}

func (r *run) absorb(o run) {
	r.start = min(r.start, o.start)
	r.end = max(r.end, o.end)
	if len(r.sum) < len(o.sum) {
		r.sum = append(r.sum, make([]float64, len(o.sum)-len(r.sum))...)
	}
	floats.Add(r.sum[:len(o.sum)], o.sum)
	r.n += o.n
}

func (r run) mean() []float64 {
	vec := slices.Clone(r.sum)
	if r.n > 0 {
		floats.Scale(1/float64(r.n), vec)
	}
	return vec
}

// spans converts a finished document's subsequences to output labels
func (a *Assembler) spans(doc *document) []labels.Label {
	var runs []run
	if a.MultiLabel {
		runs = a.multiRuns(doc.subseqs)
	} else {
		runs = a.singleRuns(doc.subseqs)
	}
	if !a.SubtokenPredictions {
		runs = expandToWords(doc.text, runs)
	}

	out := make([]labels.Label, 0, len(runs))
	for _, r := range runs {
		probs := a.probMap(r.mean())
		out = append(out, labels.Label{
			Start:         r.start,
			End:           r.end,
			Label:         r.label,
			Text:          doc.text[r.start:r.end],
			Confidence:    probs[r.label],
			Probabilities: probs,
		})
	}
	return out
}

// singleRuns joins consecutive subsequences with the same non-pad label
func (a *Assembler) singleRuns(subs []subsequence) []run {
	var runs []run
	prevLabel := ""
	for i, sub := range subs {
		if a.isPad(sub.labels) {
			prevLabel = ""
			continue
		}
		label := sub.labels[0]
		if i > 0 && label == prevLabel {
			last := &runs[len(runs)-1]
			last.end = sub.end
			last.addRows(sub.probs)
			continue
		}
		r := run{start: sub.start, end: sub.end, label: label}
		r.addRows(sub.probs)
		runs = append(runs, r)
		prevLabel = label
	}
	return runs
}

// multiRuns emits one run per active class, extending it for as long as
// consecutive subsequences keep that class active.
func (a *Assembler) multiRuns(subs []subsequence) []run {
	var runs []run
	open := map[string]int{}
	for _, sub := range subs {
		next := make(map[string]int, len(sub.labels))
		for _, c := range sub.labels {
			if c == a.PadToken {
				continue
			}
			if i, ok := open[c]; ok {
				runs[i].end = sub.end
				runs[i].addRows(sub.probs)
				next[c] = i
				continue
			}
			r := run{start: sub.start, end: sub.end, label: c}
			r.addRows(sub.probs)
			next[c] = len(runs)
			runs = append(runs, r)
		}
		open = next
	}
	slices.SortStableFunc(runs, func(x, y run) int {
		return cmp.Compare(x.start, y.start)
	})
	return runs
}

// expandToWords grows every run to whitespace word boundaries and joins
// runs of one label that then overlap.
func expandToWords(text string, runs []run) []run {
	out := make([]run, 0, len(runs))
	lastByLabel := map[string]int{}
	for _, r := range runs {
		for r.start > 0 && !isSpace(text[r.start-1]) {
			r.start--
		}
		for r.end < len(text) && !isSpace(text[r.end]) {
			r.end++
		}
		if i, ok := lastByLabel[r.label]; ok && r.start < out[i].end {
			out[i].absorb(r)
			continue
		}
		lastByLabel[r.label] = len(out)
		out = append(out, r)
	}
	return out
}

// words combines per-token subsequences into word level records. Sub-word
// tokens accumulate until one ends where a word ends.
func (a *Assembler) words(doc *document) []labels.Label {
	enc, err := tokenizer.NewWhitespaceTokenizer().Encode(doc.text)
	if err != nil {
		return nil
	}

	out := []labels.Label{}
	var pending run
	wi := 0
	for _, sub := range doc.subseqs {
		if pending.n == 0 {
			pending.start = sub.start
		}
		pending.end = sub.end
		pending.addRows(sub.probs)

		j := slices.Index(enc.Ends[wi:], sub.end)
		if j < 0 {
			continue
		}
		wi += j
		pending.start = min(pending.start, enc.Starts[wi])
		out = append(out, a.combine(doc.text, pending))
		pending = run{}
	}
	// tokens after the last word end still form a record
	if pending.n > 0 {
		for k := wi; k < len(enc.Starts); k++ {
			if enc.Starts[k] <= pending.start && pending.start < enc.Ends[k] {
				pending.start = enc.Starts[k]
				break
			}
		}
		out = append(out, a.combine(doc.text, pending))
	}
	return out
}

// combine labels a word with its most probable class
func (a *Assembler) combine(text string, r run) labels.Label {
	vec := r.mean()
	l := labels.Label{
		Start:         r.start,
		End:           r.end,
		Text:          text[r.start:r.end],
		Probabilities: a.probMap(vec),
	}
	best := -1.0
	for j, c := range a.Classes {
		if j >= len(vec) || (a.MultiLabel && c == a.PadToken) {
			continue
		}
		if vec[j] > best {
			best = vec[j]
			l.Label = c
			l.Confidence = vec[j]
		}
	}
	return l
}
