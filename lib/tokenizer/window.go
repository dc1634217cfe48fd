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

package tokenizer

// Window is a model-sized slice [Start, End) of a token sequence.
// [AuthStart, AuthEnd) is relative to Start and marks the predictions this
// window is authoritative for; consecutive windows' authoritative slices
// tile the sequence exactly once.
type Window struct {
	Start      int
	End        int
	AuthStart  int
	AuthEnd    int
	StartOfDoc bool
	EndOfDoc   bool
}

// Len returns the number of tokens in the window
func (w Window) Len() int {
	return w.End - w.Start
}

// Windows cuts n tokens into windows of at most maxLen tokens that overlap
// by overlap tokens. Half of each overlap is given to either neighbour so
// that every token is predicted with context on both sides. A sequence of
// zero tokens yields one empty window so that every document produces a
// start and an end marker.
func Windows(n, maxLen, overlap int) []Window {
	if maxLen <= 0 || n <= maxLen {
		return []Window{{
			End:        n,
			AuthEnd:    n,
			StartOfDoc: true,
			EndOfDoc:   true,
		}}
	}
	overlap = min(max(overlap, 0), maxLen-1)
	stride := maxLen - overlap
	lead := overlap / 2
	trail := overlap - lead

	var out []Window
	for start := 0; ; start += stride {
		end := min(start+maxLen, n)
		w := Window{
			Start:      start,
			End:        end,
			AuthStart:  lead,
			AuthEnd:    maxLen - trail,
			StartOfDoc: start == 0,
			EndOfDoc:   end == n,
		}
		if w.StartOfDoc {
			w.AuthStart = 0
		}
		if w.EndOfDoc {
			w.AuthEnd = w.Len()
		}
		out = append(out, w)
		if w.EndOfDoc {
			return out
		}
	}
}
