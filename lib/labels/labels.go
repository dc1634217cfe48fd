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

// Package labels defines span annotations over raw document text and the
// rules for deciding when a span covers a token.
//
// Offsets inside the library are byte offsets into the UTF-8 document text.
// Callers exchange character (rune) offsets; Offsets converts between the two.
package labels

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrInconsistentLabels is matched by ConsistencyError
	ErrInconsistentLabels = errors.New("tokens and labels do not align")

	// ErrUnsortedLabels is returned when labels are not ordered by start offset
	ErrUnsortedLabels = errors.New("labels are not sorted by start offset")
)

// Label is a span annotation. Start and End are offsets into the owning
// document, End exclusive.
type Label struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
	// Text is the annotated source text. Empty means not supplied.
	Text string `json:"text,omitempty"`
	// GroupStart is set only while group tags are being composed:
	// true for the first label of a group, false for continuations.
	GroupStart *bool `json:"group_start,omitempty"`

	// Confidence and Probabilities are filled in for predicted spans.
	Confidence    float64            `json:"confidence,omitempty"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

// Span is a bare text span, used for group members
type Span struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Group is an ordered set of spans that share one entity-group identity
type Group struct {
	Tokens []Span `json:"tokens"`
}

// Continuous reports whether the group is a single contiguous span
func (g Group) Continuous() bool {
	return len(g.Tokens) == 1
}

// Bounds returns the smallest start and largest end of the group's spans.
func (g Group) Bounds() (start, end int) {
	for i, t := range g.Tokens {
		if i == 0 || t.Start < start {
			start = t.Start
		}
		if i == 0 || t.End > end {
			end = t.End
		}
	}
	return start, end
}

// JoinedText returns the texts of the group's spans joined by a single space
func (g Group) JoinedText() string {
	texts := make([]string, len(g.Tokens))
	for i, t := range g.Tokens {
		texts[i] = t.Text
	}
	return strings.Join(texts, " ")
}

// Token is a tokenizer output span. End == -1 marks padding and special tokens.
type Token struct {
	Start int
	End   int
	Text  string
}

// IsSpecial reports whether the token is padding or a special token
func (t Token) IsSpecial() bool {
	return t.End == -1
}

// ConsistencyError reports a token that overlaps a label whose text does
// not agree with the token text. It means the labels were produced against
// different token boundaries than the ones being encoded.
type ConsistencyError struct {
	Label     Label
	TokenText string
	Start     int
	End       int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: label %q [%d:%d] text %q vs token %q [%d:%d]",
		ErrInconsistentLabels, e.Label.Label, e.Label.Start, e.Label.End,
		e.Label.Text, e.TokenText, e.Start, e.End)
}

// Is matches ErrInconsistentLabels.
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrInconsistentLabels
}

// Overlaps computes whether label overlaps the token [tokStart, tokEnd) and
// whether the label text agrees with the token text at that offset.
// A token overlaps when either of its boundaries falls inside the label.
func Overlaps(label Label, tokStart, tokEnd int, tokText string) (overlap, agrees bool) {
	overlap = (label.Start < tokEnd && tokEnd <= label.End) ||
		(tokStart < label.End && label.End <= tokEnd)
	if !overlap {
		return false, false
	}
	if label.Text == "" {
		return true, true
	}

	lo := clamp(tokStart-label.Start, 0, len(label.Text))
	hi := clamp(tokEnd-label.Start, 0, len(label.Text))
	if hi < lo {
		hi = lo
	}
	sub := strings.ToLower(label.Text[lo:hi])
	return true, strings.Contains(strings.ToLower(tokText), sub)
}

// CheckOverlap is Overlaps with disagreement turned into a *ConsistencyError.
func CheckOverlap(label Label, tokStart, tokEnd int, tokText string) (bool, error) {
	overlap, agrees := Overlaps(label, tokStart, tokEnd, tokText)
	if overlap && !agrees {
		return true, &ConsistencyError{
			Label:     label,
			TokenText: tokText,
			Start:     tokStart,
			End:       tokEnd,
		}
	}
	return overlap, nil
}

// SequencesOverlap reports whether two spans intersect
func SequencesOverlap(a, b Label) bool {
	return a.Start < b.End && b.Start < a.End
}

// ValidateSorted returns ErrUnsortedLabels if labels are not in
// non-decreasing start order, or an error for a span that ends before it starts.
func ValidateSorted(ls []Label) error {
	for i, l := range ls {
		if l.End < l.Start {
			return fmt.Errorf("label %d %q ends at %d before it starts at %d", i, l.Label, l.End, l.Start)
		}
		if i > 0 && l.Start < ls[i-1].Start {
			return fmt.Errorf("%w: label %d starts at %d after a label starting at %d",
				ErrUnsortedLabels, i, l.Start, ls[i-1].Start)
		}
	}
	return nil
}

// SortByStart returns a copy of ls ordered by start, then end.
func SortByStart(ls []Label) []Label {
	out := slices.Clone(ls)
	slices.SortStableFunc(out, func(a, b Label) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.End, b.End)
	})
	return out
}

// Clone returns a copy of ls with GroupStart pointers and probability maps detached.
func Clone(ls []Label) []Label {
	out := make([]Label, len(ls))
	for i, l := range ls {
		if l.GroupStart != nil {
			v := *l.GroupStart
			l.GroupStart = &v
		}
		if l.Probabilities != nil {
			probs := make(map[string]float64, len(l.Probabilities))
			for k, v := range l.Probabilities {
				probs[k] = v
			}
			l.Probabilities = probs
		}
		out[i] = l
	}
	return out
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
