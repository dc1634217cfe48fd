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
package seqlabel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/seqlabel/lib/assembly"
	"github.com/antflydb/seqlabel/lib/labels"
)

// countingPredict returns a predict func that counts its calls
func countingPredict(calls *atomic.Int32, delay time.Duration) func(context.Context) ([]assembly.Result, error) {
	return func(context.Context) ([]assembly.Result, error) {
		calls.Add(1)
		time.Sleep(delay)
		return []assembly.Result{{Prediction: []labels.Label{{Start: 0, End: 4, Label: "PER", Text: "John"}}}}, nil
	}
}

func newCache(t *testing.T) *PredictionCache {
	t.Helper()
	pc := NewPredictionCache(time.Minute, zaptest.NewLogger(t))
	t.Cleanup(pc.Close)
	return pc
}

func TestPredictionCacheHitAndMiss(t *testing.T) {
	pc := newCache(t)
	ctx := context.Background()
	var calls atomic.Int32
	texts := []string{"John"}

	for range 3 {
		res, err := pc.Predict(ctx, "people", assembly.ModePlain, texts, countingPredict(&calls, 0))
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "PER", res[0].Prediction[0].Label)
	}
	assert.Equal(t, int32(1), calls.Load())

	// a different mode or model is a different entry
	_, err := pc.Predict(ctx, "people", assembly.ModePerToken, texts, countingPredict(&calls, 0))
	require.NoError(t, err)
	_, err = pc.Predict(ctx, "places", assembly.ModePlain, texts, countingPredict(&calls, 0))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	st := pc.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(3), st.Misses)
	assert.Equal(t, 3, st.Items)

	pc.Invalidate()
	assert.Equal(t, 0, pc.Stats().Items)
}

func TestPredictionCacheErrorsAreNotCached(t *testing.T) {
	pc := newCache(t)
	boom := errors.New("session closed")
	fail := func(context.Context) ([]assembly.Result, error) { return nil, boom }

	_, err := pc.Predict(context.Background(), "people", assembly.ModePlain, []string{"x"}, fail)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, pc.Stats().Items)

	var calls atomic.Int32
	_, err = pc.Predict(context.Background(), "people", assembly.ModePlain, []string{"x"}, countingPredict(&calls, 0))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPredictionCacheSingleflight(t *testing.T) {
	pc := newCache(t)
	var calls atomic.Int32
	predict := countingPredict(&calls, 50*time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pc.Predict(context.Background(), "people", assembly.ModePlain, []string{"John"}, predict)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// late arrivals hit the cache rather than the flight
	assert.Equal(t, int32(1), calls.Load())
	st := pc.Stats()
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(7), st.Hits+st.SingleflightHits)
}

func TestPredictionCacheNil(t *testing.T) {
	var pc *PredictionCache
	var calls atomic.Int32
	for range 2 {
		_, err := pc.Predict(context.Background(), "people", assembly.ModePlain, []string{"John"}, countingPredict(&calls, 0))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, PredictionCacheStats{}, pc.Stats())
	pc.Invalidate()
	pc.Close()
}

func TestCacheKey(t *testing.T) {
	base := cacheKey("people", assembly.ModePlain, []string{"a", "b"})
	tests := []struct {
		name  string
		key   string
		equal bool
	}{
		{name: "same", key: cacheKey("people", assembly.ModePlain, []string{"a", "b"}), equal: true},
		{name: "order", key: cacheKey("people", assembly.ModePlain, []string{"b", "a"})},
		{name: "joined", key: cacheKey("people", assembly.ModePlain, []string{"ab"})},
		{name: "split differently", key: cacheKey("people", assembly.ModePlain, []string{"a", "", "b"})},
		{name: "mode", key: cacheKey("people", assembly.ModeNegativeConfidence, []string{"a", "b"})},
		{name: "model", key: cacheKey("places", assembly.ModePlain, []string{"a", "b"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, base == tt.key)
		})
	}
}
