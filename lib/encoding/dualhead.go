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

// dualHeadEncoder produces an entity sequence and a group-presence sequence
// from two independently owned taggers.
type dualHeadEncoder struct {
	labelHead *singleEncoder
	groupHead tagger
}

var _ Encoder = (*dualHeadEncoder)(nil)

func newDualHeadEncoder(pad string, bio bool, logger *zap.Logger) *dualHeadEncoder {
	return &dualHeadEncoder{
		labelHead: newSingleEncoder(PolicyDualHead, pad, bio, logger.Named("labels")),
		groupHead: tagger{
			vocab:  NewVocabulary(pad, []string{"BG-", "IG-"}),
			group:  true,
			logger: logger.Named("groups"),
		},
	}
}

func (e *dualHeadEncoder) Policy() Policy { return PolicyDualHead }

func (e *dualHeadEncoder) MultiLabel() bool { return false }

// Vocabulary returns the entity head vocabulary
func (e *dualHeadEncoder) Vocabulary() *Vocabulary { return e.labelHead.Vocabulary() }

// GroupVocabulary returns the fixed group head vocabulary
func (e *dualHeadEncoder) GroupVocabulary() *Vocabulary { return e.groupHead.vocab }

func (e *dualHeadEncoder) Fit(docs []Annotated) error {
	return e.labelHead.Fit(docs)
}

func (e *dualHeadEncoder) Restore(classes []string) error {
	return e.labelHead.Restore(classes)
}

func (e *dualHeadEncoder) Transform(tokens []labels.Token, doc Annotated) (Target, *Diagnostics, error) {
	if e.labelHead.Vocabulary() == nil {
		return Target{}, nil, ErrNotFitted
	}

	diag := &Diagnostics{}
	groupIndices, err := e.groupHead.tag(tokens, groupSpans(doc.Groups, "", true), diag)
	if err != nil {
		return Target{}, nil, fmt.Errorf("encoding group head: %w", err)
	}

	labelIndices, err := e.labelHead.tagger.tag(tokens, doc.Labels, diag)
	if err != nil {
		return Target{}, nil, fmt.Errorf("encoding label head: %w", err)
	}

	return Target{Indices: labelIndices, GroupIndices: groupIndices}, diag, nil
}

// InverseTransform zips the group prefix of each token onto its entity
// class, e.g. "BG-" + "B-PER". Pad on the group head contributes no prefix.
func (e *dualHeadEncoder) InverseTransform(t Target) ([][]string, error) {
	ls, err := e.InverseTransformLabels(t)
	if err != nil {
		return nil, err
	}
	if len(t.GroupIndices) != len(t.Indices) {
		return nil, ErrTargetShape
	}
	groups, err := e.groupHead.classes(t.GroupIndices)
	if err != nil {
		return nil, err
	}

	pad := e.groupHead.vocab.Pad()
	for i := range ls {
		prefix := groups[i][0]
		if prefix == pad {
			prefix = ""
		}
		ls[i][0] = prefix + ls[i][0]
	}
	return ls, nil
}

// InverseTransformLabels decodes the entity head only
func (e *dualHeadEncoder) InverseTransformLabels(t Target) ([][]string, error) {
	return e.labelHead.InverseTransform(Target{Indices: t.Indices})
}
