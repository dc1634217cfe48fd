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
package labels

import (
	"sort"
	"unicode/utf8"
)

// Offsets converts between character (rune) and byte offsets of one text.
// The zero value is not usable; build one with NewOffsets.
type Offsets struct {
	// runeStarts[i] is the byte offset of rune i; nil for ASCII text
	runeStarts []int
	size       int
}

// NewOffsets indexes text. ASCII text needs no table.
func NewOffsets(text string) *Offsets {
	o := &Offsets{size: len(text)}
	n := utf8.RuneCountInString(text)
	if n == len(text) {
		return o
	}
	o.runeStarts = make([]int, 0, n)
	for i := range text {
		o.runeStarts = append(o.runeStarts, i)
	}
	return o
}

// Byte returns the byte offset of character offset r, clamped to the text
func (o *Offsets) Byte(r int) int {
	if o.runeStarts == nil {
		return min(max(r, 0), o.size)
	}
	switch {
	case r <= 0:
		return 0
	case r >= len(o.runeStarts):
		return o.size
	}
	return o.runeStarts[r]
}

// Rune returns the character offset of byte offset b. A byte inside a
// multi-byte rune maps to the rune after it, so span ends stay exclusive.
func (o *Offsets) Rune(b int) int {
	if o.runeStarts == nil {
		return min(max(b, 0), o.size)
	}
	return sort.SearchInts(o.runeStarts, b)
}

// LabelsToBytes returns a copy of ls with character offsets converted to
// byte offsets
func (o *Offsets) LabelsToBytes(ls []Label) []Label {
	if o.runeStarts == nil || ls == nil {
		return ls
	}
	out := Clone(ls)
	for i := range out {
		out[i].Start, out[i].End = o.Byte(out[i].Start), o.Byte(out[i].End)
	}
	return out
}

// LabelsToRunes returns a copy of ls with byte offsets converted to
// character offsets
func (o *Offsets) LabelsToRunes(ls []Label) []Label {
	if o.runeStarts == nil || ls == nil {
		return ls
	}
	out := Clone(ls)
	for i := range out {
		out[i].Start, out[i].End = o.Rune(out[i].Start), o.Rune(out[i].End)
	}
	return out
}

// GroupsToBytes returns a copy of gs with character offsets converted to
// byte offsets
func (o *Offsets) GroupsToBytes(gs []Group) []Group {
	if o.runeStarts == nil || gs == nil {
		return gs
	}
	out := make([]Group, len(gs))
	for i, g := range gs {
		spans := make([]Span, len(g.Tokens))
		for j, sp := range g.Tokens {
			spans[j] = Span{Start: o.Byte(sp.Start), End: o.Byte(sp.End), Text: sp.Text}
		}
		out[i] = Group{Tokens: spans}
	}
	return out
}

// PositionsToRunes converts token byte offsets in place. Special tokens
// (negative offsets) are left alone.
func (o *Offsets) PositionsToRunes(ps []int) {
	if o.runeStarts == nil {
		return
	}
	for i, p := range ps {
		if p >= 0 {
			ps[i] = o.Rune(p)
		}
	}
}
