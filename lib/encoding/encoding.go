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

// Package encoding converts span annotations into per-token class targets
// and back. The tagging scheme is picked once at construction through a
// Policy; every policy shares the same tagging core.
package encoding

import (
	"errors"
	"fmt"

	"github.com/antflydb/seqlabel/lib/labels"
	"go.uber.org/zap"
)

// DefaultPadToken is the reserved "no label" class
const DefaultPadToken = "<PAD>"

var (
	// ErrNotFitted is returned when Transform or InverseTransform runs before Fit
	ErrNotFitted = errors.New("encoder has not been fitted")

	// ErrAlreadyFitted is returned on a second Fit; the vocabulary is immutable
	ErrAlreadyFitted = errors.New("encoder has already been fitted")

	// ErrUnknownPolicy is returned for an unrecognized policy name
	ErrUnknownPolicy = errors.New("unknown encoding policy")

	// ErrTargetShape is returned when a target does not match the encoder
	ErrTargetShape = errors.New("target does not match encoder")
)

// Policy selects the tagging scheme
type Policy string

const (
	// PolicyPlain tags tokens with the bare class name
	PolicyPlain Policy = "plain"
	// PolicyBIO tags the first token of a span B- and the rest I-
	PolicyBIO Policy = "bio"
	// PolicyGroup adds BG-/IG- group prefixes for labels inside continuous groups
	PolicyGroup Policy = "group"
	// PolicyMultiLabel emits a 0/1 vector per token
	PolicyMultiLabel Policy = "multilabel"
	// PolicyPipeline tags either entities or group boundaries, fixed at construction
	PolicyPipeline Policy = "pipeline"
	// PolicyDualHead emits separate group and entity sequences
	PolicyDualHead Policy = "dualhead"
)

// Policies lists every supported policy
var Policies = []Policy{PolicyPlain, PolicyBIO, PolicyGroup, PolicyMultiLabel, PolicyPipeline, PolicyDualHead}

// ParsePolicy converts a string to a Policy. The empty string means plain.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return PolicyPlain, nil
	}
	for _, p := range Policies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Options configures an Encoder
type Options struct {
	// PadToken is the "no label" class, always index 0. Defaults to DefaultPadToken.
	PadToken string
	// BIO enables B-/I- prefixes for the group, pipeline and dualhead policies.
	// PolicyBIO always uses them; PolicyPlain and PolicyMultiLabel never do.
	BIO bool
	// PipelineGroup selects the group-boundary pass of PolicyPipeline
	PipelineGroup bool
	Logger        *zap.Logger
}

// Annotated is one document's gold annotations
type Annotated struct {
	Labels []labels.Label `json:"labels"`
	Groups []labels.Group `json:"groups,omitempty"`
}

// Target is the encoded form of one token sequence. Exactly one of
// Indices or Multi is set; GroupIndices accompanies Indices for the dual head.
type Target struct {
	Indices      []int   `json:"indices,omitempty"`
	GroupIndices []int   `json:"group_indices,omitempty"`
	Multi        [][]int `json:"multi,omitempty"`
}

// Len returns the number of token positions in the target
func (t Target) Len() int {
	if t.Multi != nil {
		return len(t.Multi)
	}
	return len(t.Indices)
}

// Encoder is the fit / transform / inverse-transform contract shared by every policy
type Encoder interface {
	// Policy returns the tagging scheme this encoder implements
	Policy() Policy
	// Fit builds the class vocabulary from training annotations. It may be called once.
	Fit(docs []Annotated) error
	// Restore installs a previously fitted vocabulary instead of calling Fit
	Restore(classes []string) error
	// Transform encodes one token sequence against one document's annotations.
	// Non-fatal data-quality issues are returned in Diagnostics.
	Transform(tokens []labels.Token, doc Annotated) (Target, *Diagnostics, error)
	// InverseTransform maps a target back to class strings, one slice per token.
	// Single-label encoders return exactly one class per token.
	InverseTransform(t Target) ([][]string, error)
	// Vocabulary returns the fitted vocabulary of the entity head, or nil before Fit
	Vocabulary() *Vocabulary
	// MultiLabel reports whether targets are per-token class vectors
	MultiLabel() bool
}

// New returns the Encoder for policy.
func New(policy Policy, opts Options) (Encoder, error) {
	if opts.PadToken == "" {
		opts.PadToken = DefaultPadToken
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	switch policy {
	case PolicyPlain:
		return newSingleEncoder(policy, opts.PadToken, false, opts.Logger), nil
	case PolicyBIO:
		return newSingleEncoder(policy, opts.PadToken, true, opts.Logger), nil
	case PolicyGroup:
		enc := newSingleEncoder(policy, opts.PadToken, opts.BIO, opts.Logger)
		enc.tagger.group = true
		return enc, nil
	case PolicyPipeline:
		enc := newSingleEncoder(policy, opts.PadToken, opts.BIO, opts.Logger)
		enc.pipelineGroup = opts.PipelineGroup
		return enc, nil
	case PolicyMultiLabel:
		return newMultiLabelEncoder(opts.PadToken, opts.Logger), nil
	case PolicyDualHead:
		return newDualHeadEncoder(opts.PadToken, opts.BIO, opts.Logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}

// ClassCounts decodes targets and counts token occurrences of each class.
// For the dual head only the entity head is counted.
func ClassCounts(enc Encoder, targets []Target) (map[string]int, error) {
	counts := make(map[string]int)
	for _, t := range targets {
		var decoded [][]string
		var err error
		if dh, ok := enc.(*dualHeadEncoder); ok {
			decoded, err = dh.InverseTransformLabels(t)
		} else {
			decoded, err = enc.InverseTransform(t)
		}
		if err != nil {
			return nil, err
		}
		for _, classes := range decoded {
			for _, c := range classes {
				counts[c]++
			}
		}
	}
	return counts, nil
}
