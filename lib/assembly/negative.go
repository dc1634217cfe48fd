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
	"slices"

	"github.com/antflydb/seqlabel/lib/labels"
)

// NegativeSamples augments gold annotations with explicit negatives: every
// predicted span that overlaps no gold span of its document is appended to
// that document relabeled as pad. Neither input is modified.
func NegativeSamples(preds, gold [][]labels.Label, pad string) [][]labels.Label {
	out := make([][]labels.Label, len(gold))
	for i, doc := range gold {
		augmented := labels.Clone(doc)
		if i < len(preds) {
			for _, p := range preds[i] {
				overlaps := slices.ContainsFunc(doc, func(g labels.Label) bool {
					return labels.SequencesOverlap(p, g)
				})
				if overlaps {
					continue
				}
				augmented = append(augmented, labels.Label{
					Start: p.Start,
					End:   p.End,
					Label: pad,
					Text:  p.Text,
				})
			}
		}
		out[i] = augmented
	}
	return out
}
