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

// Package residency bounds the number of inference sessions resident on a
// single accelerator. Sessions are kept in least-recently-used order; a
// request for a non-resident model evicts the oldest one when the device is
// full.
package residency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

var (
	// ErrMultiGPU is returned by New when more than one accelerator is requested
	ErrMultiGPU = errors.New("multiple accelerators are not supported")

	// ErrInvalidCapacity is returned by New when MaxModelsPerGPU < 1
	ErrInvalidCapacity = errors.New("max models per accelerator must be at least 1")

	// ErrClosed is returned by Acquire after Close
	ErrClosed = errors.New("scheduler is closed")
)

// Session is a loaded model. Close releases its device memory.
type Session interface {
	Close() error
}

// Loader opens the session for a model id
type Loader[S Session] func(ctx context.Context, id string) (S, error)

// Eviction reasons reported to Hooks.OnEvict
const (
	ReasonCapacity = "capacity"
	ReasonExpired  = "expired"
	ReasonManual   = "manual"
	ReasonShutdown = "shutdown"
)

// Hooks observe scheduler events. Both are optional and are called with the
// scheduler lock held, so they must not call back into the scheduler.
type Hooks struct {
	OnLoad  func(id string, took time.Duration)
	OnEvict func(id string, reason string)
}

// Config bounds the resident set
type Config struct {
	// MaxModelsPerGPU is the number of sessions that may be resident at once
	MaxModelsPerGPU int
	// NumGPUs must be 1. Zero is treated as 1.
	NumGPUs int
	// KeepAlive closes sessions idle for longer than this. Zero keeps
	// sessions until they are evicted.
	KeepAlive time.Duration

	Hooks Hooks
}

// Stats counts scheduler activity since creation
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Loads       uint64 `json:"loads"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Resident    int    `json:"resident"`
}

type entry[S Session] struct {
	id      string
	session S
	refs    int
	evicted bool
	closed  bool
}

// Scheduler owns the resident sessions. It is the only component that opens
// or closes them.
type Scheduler[S Session] struct {
	cfg    Config
	load   Loader[S]
	logger *zap.Logger

	// mu serializes the check, evict, load and insert sequence
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *entry[S]]
	// live holds every loaded entry not yet retired, including expired
	// ones the cache no longer reports
	live   map[string]*entry[S]
	stats  Stats
	closed bool

	stopExpiry func()
}

// New creates a Scheduler. It fails fast on configurations the scheduler
// cannot honor.
func New[S Session](cfg Config, load Loader[S], logger *zap.Logger) (*Scheduler[S], error) {
	if cfg.NumGPUs == 0 {
		cfg.NumGPUs = 1
	}
	if cfg.NumGPUs != 1 {
		return nil, fmt.Errorf("%w: num_gpus=%d", ErrMultiGPU, cfg.NumGPUs)
	}
	if cfg.MaxModelsPerGPU < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, cfg.MaxModelsPerGPU)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ttl := ttlcache.NoTTL
	if cfg.KeepAlive > 0 {
		ttl = cfg.KeepAlive
	}
	s := &Scheduler[S]{
		cfg:    cfg,
		load:   load,
		logger: logger,
		live:   make(map[string]*entry[S]),
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *entry[S]](ttl),
		),
	}

	// Capacity evictions, deletes and expirations noticed by Acquire are
	// handled synchronously; the cache's own cleaner reports the rest.
	s.stopExpiry = s.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *entry[S]]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		s.expire(item.Value())
	})
	if cfg.KeepAlive > 0 {
		go s.cache.Start()
	}
	return s, nil
}

// Acquire returns the session for id, loading it if it is not resident.
// The caller must call release when done; an evicted session is closed after
// its last release.
func (s *Scheduler[S]) Acquire(ctx context.Context, id string) (S, func(), error) {
	var zero S
	if err := ctx.Err(); err != nil {
		return zero, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return zero, nil, ErrClosed
	}

	if item := s.cache.Get(id); item != nil {
		e := item.Value()
		e.refs++
		s.stats.Hits++
		return e.session, s.releaser(e), nil
	}
	s.stats.Misses++

	// Expired sessions are closed before the load so the slot is free
	s.retireExpired()
	for len(s.live) >= s.cfg.MaxModelsPerGPU {
		if !s.evictOldest() {
			break
		}
	}

	start := time.Now()
	session, err := s.load(ctx, id)
	if err != nil {
		return zero, nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	took := time.Since(start)
	s.stats.Loads++
	s.logger.Info("Loaded session",
		zap.String("model", id),
		zap.Duration("took", took),
		zap.Int("resident", s.cache.Len()+1))
	if s.cfg.Hooks.OnLoad != nil {
		s.cfg.Hooks.OnLoad(id, took)
	}

	e := &entry[S]{id: id, session: session, refs: 1}
	s.cache.Set(id, e, ttlcache.DefaultTTL)
	s.live[id] = e
	return session, s.releaser(e), nil
}

// Predict runs fn with the session for id held
func (s *Scheduler[S]) Predict(ctx context.Context, id string, fn func(S) error) error {
	session, release, err := s.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	return fn(session)
}

// Resident returns the resident model ids, least recently used first
func (s *Scheduler[S]) Resident() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, s.cfg.MaxModelsPerGPU)
	s.cache.RangeBackwards(func(item *ttlcache.Item[string, *entry[S]]) bool {
		ids = append(ids, item.Key())
		return true
	})
	return ids
}

// Evict removes id from the resident set. It reports whether id was resident.
func (s *Scheduler[S]) Evict(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(id)
	if item == nil {
		return false
	}
	s.cache.Delete(id)
	s.retire(item.Value(), ReasonManual)
	return true
}

// Stats returns a snapshot of the scheduler counters
func (s *Scheduler[S]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Resident = s.cache.Len()
	return st
}

// Close evicts every session. Sessions still in use are closed on release.
func (s *Scheduler[S]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Flush pending expirations, then wait for their handlers
	s.cache.DeleteExpired()
	s.stopExpiry()
	s.cache.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, e := range s.live {
		s.cache.Delete(id)
		if err := s.retire(e, ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// evictOldest removes the least recently used session. Must hold mu.
func (s *Scheduler[S]) evictOldest() bool {
	var oldest *entry[S]
	s.cache.RangeBackwards(func(item *ttlcache.Item[string, *entry[S]]) bool {
		oldest = item.Value()
		return false
	})
	if oldest == nil {
		return false
	}
	s.cache.Delete(oldest.id)
	_ = s.retire(oldest, ReasonCapacity)
	return true
}

// retireExpired retires the live entries the cache reports as expired or
// has already dropped. Must hold mu.
func (s *Scheduler[S]) retireExpired() {
	for id, e := range s.live {
		if s.cache.Has(id) {
			continue
		}
		s.cache.Delete(id)
		s.stats.Expirations++
		_ = s.retire(e, ReasonExpired)
	}
}

// retire marks e evicted and closes it if nothing holds it. Must hold mu.
func (s *Scheduler[S]) retire(e *entry[S], reason string) error {
	if s.live[e.id] == e {
		delete(s.live, e.id)
	}
	e.evicted = true
	s.stats.Evictions++
	s.logger.Info("Evicting session",
		zap.String("model", e.id),
		zap.String("reason", reason),
		zap.Int("refs", e.refs))
	if s.cfg.Hooks.OnEvict != nil {
		s.cfg.Hooks.OnEvict(e.id, reason)
	}
	if e.refs > 0 || e.closed {
		return nil
	}
	e.closed = true
	return s.closeSession(e)
}

func (s *Scheduler[S]) expire(e *entry[S]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.evicted {
		return
	}
	s.stats.Expirations++
	_ = s.retire(e, ReasonExpired)
}

func (s *Scheduler[S]) releaser(e *entry[S]) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			e.refs--
			closeNow := e.refs == 0 && e.evicted && !e.closed
			if closeNow {
				e.closed = true
			}
			s.mu.Unlock()

			if closeNow {
				_ = s.closeSession(e)
			}
		})
	}
}

func (s *Scheduler[S]) closeSession(e *entry[S]) error {
	if err := e.session.Close(); err != nil {
		s.logger.Warn("Failed to close session", zap.String("model", e.id), zap.Error(err))
		return fmt.Errorf("closing session %s: %w", e.id, err)
	}
	return nil
}
