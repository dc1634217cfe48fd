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
	"fmt"

	"github.com/antflydb/seqlabel/lib/labels"
	"go.uber.org/zap"
)

// multiLabelEncoder lets a token hold several classes at once. Overlapping
// labels OR into the token's vector.
type multiLabelEncoder struct {
	pad    string
	vocab  *Vocabulary
	logger *zap.Logger
}

var _ Encoder = (*multiLabelEncoder)(nil)

func newMultiLabelEncoder(pad string, logger *zap.Logger) *multiLabelEncoder {
	return &multiLabelEncoder{pad: pad, logger: logger}
}

func (e *multiLabelEncoder) Policy() Policy { return PolicyMultiLabel }

func (e *multiLabelEncoder) MultiLabel() bool { return true }

func (e *multiLabelEncoder) Vocabulary() *Vocabulary { return e.vocab }

func (e *multiLabelEncoder) Fit(docs []Annotated) error {
	if e.vocab != nil {
		return ErrAlreadyFitted
	}
	e.vocab = NewVocabulary(e.pad, baseClasses(docs, e.pad))
	return nil
}

func (e *multiLabelEncoder) Restore(classes []string) error {
	if e.vocab != nil {
		return ErrAlreadyFitted
	}
	if len(classes) == 0 || classes[0] != e.pad {
		return fmt.Errorf("restoring vocabulary: first class must be %q", e.pad)
	}
	e.vocab = NewVocabulary(e.pad, classes[1:])
	return nil
}

func (e *multiLabelEncoder) Transform(tokens []labels.Token, doc Annotated) (Target, *Diagnostics, error) {
	if e.vocab == nil {
		return Target{}, nil, ErrNotFitted
	}

	diag := &Diagnostics{}
	out := make([][]int, len(tokens))
	for i, tok := range tokens {
		out[i] = make([]int, e.vocab.Len())
		if tok.IsSpecial() {
			continue
		}
		for _, l := range doc.Labels {
			inside := (l.Start <= tok.Start && tok.Start < l.End) ||
				(l.Start < tok.End && tok.End <= l.End)
			if !inside {
				continue
			}
			idx, ok := e.vocab.Index(l.Label)
			if !ok {
				diag.UnknownLabels = append(diag.UnknownLabels, UnknownLabel{Label: l.Label, Token: i})
				e.logger.Warn("Skipping unknown label",
					zap.String("label", l.Label),
					zap.Int("token", i))
				continue
			}
			out[i][idx] = 1
		}
	}
	return Target{Multi: out}, diag, nil
}

func (e *multiLabelEncoder) InverseTransform(t Target) ([][]string, error) {
	if e.vocab == nil {
		return nil, ErrNotFitted
	}
	if t.Indices != nil {
		return nil, ErrTargetShape
	}
	out := make([][]string, len(t.Multi))
	for i, row := range t.Multi {
		if len(row) != e.vocab.Len() {
			return nil, ErrTargetShape
		}
		out[i] = []string{}
		for j, v := range row {
			if v != 0 {
				out[i] = append(out[i], e.vocab.Class(j))
			}
		}
	}
	return out, nil
}
