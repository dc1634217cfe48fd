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

// GroupLabel is the class name used for synthesized group spans in the
// group-boundary pass of the pipeline policy.
const GroupLabel = "GROUP"

// singleEncoder implements the plain, bio, group and pipeline policies.
type singleEncoder struct {
	policy        Policy
	pad           string
	pipelineGroup bool
	tagger        tagger
}

var _ Encoder = (*singleEncoder)(nil)

func newSingleEncoder(policy Policy, pad string, bio bool, logger *zap.Logger) *singleEncoder {
	return &singleEncoder{
		policy: policy,
		pad:    pad,
		tagger: tagger{bio: bio, logger: logger},
	}
}

func (e *singleEncoder) Policy() Policy { return e.policy }

func (e *singleEncoder) MultiLabel() bool { return false }

func (e *singleEncoder) Vocabulary() *Vocabulary { return e.tagger.vocab }

func (e *singleEncoder) Fit(docs []Annotated) error {
	if e.tagger.vocab != nil {
		return ErrAlreadyFitted
	}
	e.tagger.vocab = NewVocabulary(e.pad, e.fitClasses(docs))
	return nil
}

func (e *singleEncoder) fitClasses(docs []Annotated) []string {
	if e.pipelineGroup {
		if e.tagger.bio {
			return []string{"B-" + GroupLabel, "I-" + GroupLabel}
		}
		return []string{GroupLabel}
	}

	classes := baseClasses(docs, e.pad)
	if e.tagger.bio {
		classes = bioClasses(classes)
	}
	if e.tagger.group {
		classes = groupClasses(classes, e.tagger.bio)
	}
	return classes
}

func (e *singleEncoder) Restore(classes []string) error {
	if e.tagger.vocab != nil {
		return ErrAlreadyFitted
	}
	if len(classes) == 0 || classes[0] != e.pad {
		return fmt.Errorf("restoring vocabulary: first class must be %q", e.pad)
	}
	e.tagger.vocab = NewVocabulary(e.pad, classes[1:])
	return nil
}

func (e *singleEncoder) Transform(tokens []labels.Token, doc Annotated) (Target, *Diagnostics, error) {
	if e.tagger.vocab == nil {
		return Target{}, nil, ErrNotFitted
	}

	ls := doc.Labels
	switch {
	case e.pipelineGroup:
		ls = groupSpans(doc.Groups, GroupLabel, false)
	case e.tagger.group:
		ls = markGroupStarts(doc.Labels, doc.Groups)
	}

	diag := &Diagnostics{}
	indices, err := e.tagger.tag(tokens, ls, diag)
	if err != nil {
		return Target{}, nil, fmt.Errorf("encoding %s targets: %w", e.policy, err)
	}
	return Target{Indices: indices}, diag, nil
}

func (e *singleEncoder) InverseTransform(t Target) ([][]string, error) {
	if e.tagger.vocab == nil {
		return nil, ErrNotFitted
	}
	if t.Multi != nil {
		return nil, ErrTargetShape
	}
	return e.tagger.classes(t.Indices)
}

// markGroupStarts returns a copy of ls where, for each continuous group, the
// earliest label inside the group bounds gets GroupStart=true and the rest
// inside it false. Labels outside every continuous group keep a nil GroupStart.
func markGroupStarts(ls []labels.Label, groups []labels.Group) []labels.Label {
	out := labels.Clone(ls)
	for i := range out {
		out[i].GroupStart = nil
	}

	for _, g := range groups {
		if !g.Continuous() {
			continue
		}
		gStart, gEnd := g.Bounds()

		var members []int
		for i, l := range out {
			if l.Start >= gStart && l.End <= gEnd {
				members = append(members, i)
			}
		}
		if len(members) == 0 {
			continue
		}

		// out preserves input order, so find the earliest-starting member
		first := members[0]
		for _, i := range members[1:] {
			if out[i].Start < out[first].Start {
				first = i
			}
		}
		for _, i := range members {
			isFirst := i == first
			out[i].GroupStart = &isFirst
		}
	}
	return out
}

// groupSpans synthesizes one label per continuous group spanning the group
// bounds, sorted by start.
func groupSpans(groups []labels.Group, class string, markStart bool) []labels.Label {
	var out []labels.Label
	for _, g := range groups {
		if !g.Continuous() {
			continue
		}
		start, end := g.Bounds()
		l := labels.Label{
			Start: start,
			End:   end,
			Label: class,
			Text:  g.JoinedText(),
		}
		if markStart {
			groupStart := true
			l.GroupStart = &groupStart
		}
		out = append(out, l)
	}
	return labels.SortByStart(out)
}
