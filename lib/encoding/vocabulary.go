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
	"slices"
	"sort"
	"strings"
)

// Vocabulary is an immutable ordered class list with the pad class at index 0
type Vocabulary struct {
	classes []string
	lookup  map[string]int
}

// NewVocabulary builds a vocabulary of pad followed by classes in the given
// order. Duplicates and any other occurrence of pad are dropped.
func NewVocabulary(pad string, classes []string) *Vocabulary {
	v := &Vocabulary{
		classes: make([]string, 0, len(classes)+1),
		lookup:  make(map[string]int, len(classes)+1),
	}
	v.add(pad)
	for _, c := range classes {
		v.add(c)
	}
	return v
}

func (v *Vocabulary) add(c string) {
	if _, ok := v.lookup[c]; ok {
		return
	}
	v.lookup[c] = len(v.classes)
	v.classes = append(v.classes, c)
}

// Index returns the index of class c
func (v *Vocabulary) Index(c string) (int, bool) {
	i, ok := v.lookup[c]
	return i, ok
}

// Class returns the class at index i, or "" when out of range
func (v *Vocabulary) Class(i int) string {
	if i < 0 || i >= len(v.classes) {
		return ""
	}
	return v.classes[i]
}

// Len returns the number of classes including pad
func (v *Vocabulary) Len() int {
	return len(v.classes)
}

// Pad returns the pad class
func (v *Vocabulary) Pad() string {
	return v.classes[0]
}

// Classes returns a copy of the ordered class list
func (v *Vocabulary) Classes() []string {
	return slices.Clone(v.classes)
}

// baseClasses returns the sorted distinct label names across docs, without pad.
func baseClasses(docs []Annotated, pad string) []string {
	seen := make(map[string]struct{})
	for _, d := range docs {
		for _, l := range d.Labels {
			if l.Label != pad {
				seen[l.Label] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// bioClasses expands each class into its B- and I- forms, sorted.
func bioClasses(base []string) []string {
	out := make([]string, 0, 2*len(base))
	for _, c := range base {
		out = append(out, "B-"+c, "I-"+c)
	}
	sort.Strings(out)
	return out
}

// groupClasses appends BG- and IG- variants of every class. A group cannot
// begin inside an entity, so BG-I-* is never produced under BIO.
func groupClasses(classes []string, bio bool) []string {
	out := slices.Clone(classes)
	for _, c := range classes {
		for _, pre := range []string{"BG-", "IG-"} {
			if bio && pre == "BG-" && strings.HasPrefix(c, "I-") {
				continue
			}
			out = append(out, pre+c)
		}
	}
	return out
}
