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
	"github.com/antflydb/seqlabel/lib/labels"
	"go.uber.org/zap"
)

// tagger assigns one class index per token. It holds its own vocabulary and
// flags and is never mutated after Fit, so two taggers can serve the two
// heads of a dual-head encoder independently.
type tagger struct {
	vocab  *Vocabulary
	bio    bool
	group  bool
	logger *zap.Logger
}

// tag encodes labels over tokens. Labels must be sorted by start: the token
// scan for each label stops at the first token whose midpoint lies past the
// label end.
func (t *tagger) tag(tokens []labels.Token, ls []labels.Label, diag *Diagnostics) ([]int, error) {
	if err := labels.ValidateSorted(ls); err != nil {
		return nil, err
	}

	const padIdx = 0
	out := make([]int, len(tokens))

	for _, l := range ls {
		var bioPre, groupPre string
		if t.bio {
			bioPre = "B-"
		}
		if t.group && l.GroupStart != nil {
			if *l.GroupStart {
				groupPre = "BG-"
			} else {
				groupPre = "IG-"
			}
		}
		current := groupPre + bioPre + l.Label

		for i, tok := range tokens {
			if tok.IsSpecial() {
				continue
			}
			// label extends less than halfway through the token
			if l.End < (tok.Start+tok.End+1)/2 {
				break
			}
			overlap, err := labels.CheckOverlap(l, tok.Start, tok.End, tok.Text)
			if err != nil {
				return nil, err
			}
			if !overlap {
				continue
			}

			idx, ok := t.vocab.Index(current)
			if !ok {
				diag.UnknownLabels = append(diag.UnknownLabels, UnknownLabel{Label: current, Token: i})
				t.logger.Warn("Skipping unknown label",
					zap.String("label", current),
					zap.Int("token", i),
					zap.Strings("available", t.vocab.classes))
				continue
			}
			if out[i] != padIdx && out[i] != idx {
				diag.Conflicts = append(diag.Conflicts, Conflict{
					Token:    i,
					Previous: t.vocab.Class(out[i]),
					Current:  current,
				})
				t.logger.Warn("Overlapping labels found, consider the multilabel policy",
					zap.Int("token", i),
					zap.String("previous", t.vocab.Class(out[i])),
					zap.String("current", current))
			}
			out[i] = idx

			if bioPre == "B-" {
				bioPre = "I-"
			}
			if groupPre == "BG-" {
				groupPre = "IG-"
			}
			current = groupPre + bioPre + l.Label
		}
	}
	return out, nil
}

// classes maps indices back to class strings.
func (t *tagger) classes(indices []int) ([][]string, error) {
	out := make([][]string, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= t.vocab.Len() {
			return nil, ErrTargetShape
		}
		out[i] = []string{t.vocab.Class(idx)}
	}
	return out, nil
}
