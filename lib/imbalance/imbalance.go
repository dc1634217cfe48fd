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

// Package imbalance derives per-class loss weights from class frequencies
package imbalance

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/antflydb/seqlabel/lib/encoding"
)

// ErrInvalidClassWeights is returned for an unknown weighting mode
var ErrInvalidClassWeights = errors.New("invalid class weights")

// Weighting modes
const (
	Linear = "linear"
	Sqrt   = "sqrt"
	Log    = "log"
)

// ComputeClassWeights weights every class by how much rarer it is than the
// most frequent class: ratio = max_count / count, used as is (linear), as
// its square root (sqrt) or as ln(ratio)+1 (log). An empty mode means no
// weighting and returns nil. Classes with a zero count get no entry.
func ComputeClassWeights(mode string, counts map[string]int) (map[string]float64, error) {
	switch mode {
	case "":
		return nil, nil
	case Linear, Sqrt, Log:
	default:
		return nil, fmt.Errorf("%w: %q, expected one of %s, %s, %s",
			ErrInvalidClassWeights, mode, Linear, Sqrt, Log)
	}

	maxCount := 0
	for _, c := range counts {
		maxCount = max(maxCount, c)
	}

	weights := make(map[string]float64, len(counts))
	for class, count := range counts {
		if count <= 0 {
			continue
		}
		ratio := float64(maxCount) / float64(count)
		switch mode {
		case Linear:
			weights[class] = ratio
		case Sqrt:
			weights[class] = math.Sqrt(ratio)
		case Log:
			weights[class] = math.Log(ratio) + 1
		}
	}
	return weights, nil
}

// WeightVector lays weights out in vocabulary order. Classes without a
// weight get 1.
func WeightVector(weights map[string]float64, vocab *encoding.Vocabulary) []float64 {
	out := make([]float64, vocab.Len())
	floats.AddConst(1, out)
	for i, class := range vocab.Classes() {
		if w, ok := weights[class]; ok {
			out[i] = w
		}
	}
	return out
}

// CountVector lays class counts out in vocabulary order. Classes never seen
// count as 1.
func CountVector(counts map[string]int, vocab *encoding.Vocabulary) []float64 {
	out := make([]float64, vocab.Len())
	for i, class := range vocab.Classes() {
		out[i] = 1
		if c, ok := counts[class]; ok {
			out[i] = float64(c)
		}
	}
	return out
}
