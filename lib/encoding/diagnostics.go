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

// UnknownLabel records a composed tag missing from the vocabulary
type UnknownLabel struct {
	Label string `json:"label"`
	Token int    `json:"token"`
}

// Conflict records a token that two gold labels assigned different classes.
// The later label wins.
type Conflict struct {
	Token    int    `json:"token"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// Diagnostics collects non-fatal data-quality issues found while encoding
type Diagnostics struct {
	UnknownLabels []UnknownLabel `json:"unknown_labels,omitempty"`
	Conflicts     []Conflict     `json:"conflicts,omitempty"`
	// DroppedWindows counts unlabeled windows removed by empty-window filtering
	DroppedWindows int `json:"dropped_windows,omitempty"`
}

// Empty reports whether nothing was recorded
func (d *Diagnostics) Empty() bool {
	return d == nil || (len(d.UnknownLabels) == 0 && len(d.Conflicts) == 0 && d.DroppedWindows == 0)
}

// Merge appends other's records into d. A nil other is ignored.
func (d *Diagnostics) Merge(other *Diagnostics) {
	if other == nil {
		return
	}
	d.UnknownLabels = append(d.UnknownLabels, other.UnknownLabels...)
	d.Conflicts = append(d.Conflicts, other.Conflicts...)
	d.DroppedWindows += other.DroppedWindows
}
