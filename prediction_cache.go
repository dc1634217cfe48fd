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
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/seqlabel/lib/assembly"
)

// PredictionCache memoizes assembled predictions per model, mode and texts.
// Concurrent identical requests share one prediction. Cached results are
// shared between callers and must not be modified.
type PredictionCache struct {
	cache   *ttlcache.Cache[string, []assembly.Result]
	sfGroup singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// PredictionCacheStats holds cache statistics
type PredictionCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// NewPredictionCache creates a cache whose entries live for ttl
func NewPredictionCache(ttl time.Duration, logger *zap.Logger) *PredictionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []assembly.Result](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	pc := &PredictionCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}
	go pc.logStats(ctx)
	return pc
}

// Predict returns the cached result for the request or runs predict and
// caches what it returns. A nil cache always runs predict.
func (pc *PredictionCache) Predict(
	ctx context.Context,
	model string,
	mode assembly.Mode,
	texts []string,
	predict func(context.Context) ([]assembly.Result, error),
) ([]assembly.Result, error) {
	if pc == nil {
		return predict(ctx)
	}

	key := cacheKey(model, mode, texts)
	if item := pc.cache.Get(key); item != nil {
		pc.hits.Add(1)
		RecordCacheHit("prediction")
		pc.logger.Debug("Prediction cache hit",
			zap.String("model", model),
			zap.Int("num_texts", len(texts)))
		return item.Value(), nil
	}

	result, err, shared := pc.sfGroup.Do(key, func() (any, error) {
		pc.misses.Add(1)
		RecordCacheMiss("prediction")

		start := time.Now()
		results, err := predict(ctx)
		if err != nil {
			return nil, err
		}
		pc.cache.Set(key, results, ttlcache.DefaultTTL)

		pc.logger.Debug("Prediction completed and cached",
			zap.String("model", model),
			zap.Int("num_texts", len(texts)),
			zap.Duration("duration", time.Since(start)))
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		pc.sfHits.Add(1)
		pc.logger.Debug("Singleflight hit for prediction request",
			zap.String("model", model))
	}
	return result.([]assembly.Result), nil
}

// cacheKey hashes model, mode and the ordered texts
func cacheKey(model string, mode assembly.Mode, texts []string) string {
	h := xxhash.New()
	_, _ = h.WriteString(model)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(mode.String())
	_, _ = h.WriteString("|")

	var idx [4]byte
	for i, text := range texts {
		binary.BigEndian.PutUint32(idx[:], uint32(i))
		_, _ = h.WriteString("t")
		_, _ = h.Write(idx[:])
		_, _ = h.WriteString(":")
		_, _ = h.WriteString(text)
		_, _ = h.WriteString("|")
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Invalidate drops every cached prediction
func (pc *PredictionCache) Invalidate() {
	if pc == nil {
		return
	}
	pc.cache.DeleteAll()
}

// Stats returns cache statistics
func (pc *PredictionCache) Stats() PredictionCacheStats {
	if pc == nil {
		return PredictionCacheStats{}
	}
	return PredictionCacheStats{
		Hits:             pc.hits.Load(),
		Misses:           pc.misses.Load(),
		SingleflightHits: pc.sfHits.Load(),
		Items:            pc.cache.Len(),
	}
}

// Close stops the cache
func (pc *PredictionCache) Close() {
	if pc == nil {
		return
	}
	pc.cancel()
	pc.cache.Stop()
}

func (pc *PredictionCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hits, misses := pc.hits.Load(), pc.misses.Load()
			if hits == 0 && misses == 0 {
				continue
			}
			hitRate := float64(hits) / float64(hits+misses) * 100
			pc.logger.Info("Prediction cache stats",
				zap.Uint64("hits", hits),
				zap.Uint64("misses", misses),
				zap.Float64("hit_rate_pct", hitRate),
				zap.Int("items", pc.cache.Len()))
		}
	}
}
