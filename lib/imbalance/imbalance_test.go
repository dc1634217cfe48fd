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

package imbalance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/seqlabel/lib/encoding"
)

func TestComputeClassWeights(t *testing.T) {
	counts := map[string]int{"<PAD>": 100, "PER": 25, "LOC": 4, "ORG": 0}

	tests := []struct {
		mode string
		want map[string]float64
	}{
		{mode: Linear, want: map[string]float64{"<PAD>": 1, "PER": 4, "LOC": 25}},
		{mode: Sqrt, want: map[string]float64{"<PAD>": 1, "PER": 2, "LOC": 5}},
		{mode: Log, want: map[string]float64{"<PAD>": 1, "PER": math.Log(4) + 1, "LOC": math.Log(25) + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got, err := ComputeClassWeights(tt.mode, counts)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for class, w := range tt.want {
				assert.InDelta(t, w, got[class], 1e-9, class)
			}
		})
	}
}

func TestComputeClassWeightsModes(t *testing.T) {
	got, err := ComputeClassWeights("", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ComputeClassWeights("cubic", map[string]int{"a": 1})
	assert.ErrorIs(t, err, ErrInvalidClassWeights)
}

func TestVectors(t *testing.T) {
	vocab := encoding.NewVocabulary("<PAD>", []string{"LOC", "PER"})

	w := WeightVector(map[string]float64{"PER": 3}, vocab)
	assert.Equal(t, []float64{1, 1, 3}, w)

	c := CountVector(map[string]int{"<PAD>": 10, "LOC": 2}, vocab)
	assert.Equal(t, []float64{10, 2, 1}, c)
}
