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

// Package decode turns per-token logits into class predictions.
//
// A CRF decoder plugs in behind the same Decoder interface; it receives the
// transition matrix the model was trained with.
package decode

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Decoder maps per-token logits to the most likely class index and a
// probability vector per token
type Decoder interface {
	Decode(logits [][]float64, transitions [][]float64) (indices []int, probs [][]float64)
}

// MultiDecoder maps per-token logits to the set of active classes per token
type MultiDecoder interface {
	DecodeMulti(logits [][]float64) (active [][]int, probs [][]float64)
}

// Softmax is the independent per-token decoder: softmax then argmax.
// Transitions are ignored.
type Softmax struct{}

var _ Decoder = Softmax{}

// Decode implements Decoder
func (Softmax) Decode(logits [][]float64, _ [][]float64) ([]int, [][]float64) {
	indices := make([]int, len(logits))
	probs := make([][]float64, len(logits))
	for i, row := range logits {
		probs[i] = SoftmaxRow(row)
		if len(row) > 0 {
			indices[i] = floats.MaxIdx(probs[i])
		}
	}
	return indices, probs
}

// SoftmaxRow returns the softmax of row
func SoftmaxRow(row []float64) []float64 {
	out := make([]float64, len(row))
	if len(row) == 0 {
		return out
	}
	lse := floats.LogSumExp(row)
	for i, v := range row {
		out[i] = math.Exp(v - lse)
	}
	return out
}

// DefaultThreshold is the Sigmoid activation threshold
const DefaultThreshold = 0.5

// Sigmoid decodes multi-label logits: each class is active independently
// when its sigmoid probability reaches Threshold.
type Sigmoid struct {
	Threshold float64
}

var (
	_ Decoder      = Sigmoid{}
	_ MultiDecoder = Sigmoid{}
)

// DecodeMulti implements MultiDecoder
func (s Sigmoid) DecodeMulti(logits [][]float64) ([][]int, [][]float64) {
	threshold := s.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	active := make([][]int, len(logits))
	probs := make([][]float64, len(logits))
	for i, row := range logits {
		probs[i] = make([]float64, len(row))
		active[i] = []int{}
		for j, v := range row {
			p := 1 / (1 + math.Exp(-v))
			probs[i][j] = p
			if p >= threshold {
				active[i] = append(active[i], j)
			}
		}
	}
	return active, probs
}

// Decode implements Decoder by taking the most probable class per token
func (s Sigmoid) Decode(logits [][]float64, _ [][]float64) ([]int, [][]float64) {
	_, probs := s.DecodeMulti(logits)
	indices := make([]int, len(probs))
	for i, row := range probs {
		if len(row) > 0 {
			indices[i] = floats.MaxIdx(row)
		}
	}
	return indices, probs
}

// Mean returns the element-wise mean of rows, which must share a length
func Mean(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, len(rows[0]))
	for _, r := range rows {
		floats.Add(out, r)
	}
	floats.Scale(1/float64(len(rows)), out)
	return out
}

// ColumnMax returns the element-wise max of rows
func ColumnMax(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, len(rows[0]))
	copy(out, rows[0])
	for _, r := range rows[1:] {
		for j, v := range r {
			out[j] = math.Max(out[j], v)
		}
	}
	return out
}
