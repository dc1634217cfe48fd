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
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/antflydb/seqlabel/lib/assembly"
	"github.com/antflydb/seqlabel/lib/checkpoint"
	"github.com/antflydb/seqlabel/lib/encoding"
	"github.com/antflydb/seqlabel/lib/residency"
)

// ErrModelNotFound is returned for a model name with no checkpoint
var ErrModelNotFound = errors.New("model not found")

// ModelInfo describes a discovered checkpoint
type ModelInfo struct {
	Name       string   `json:"name"`
	Policy     string   `json:"policy"`
	Backend    string   `json:"backend"`
	Classes    []string `json:"classes"`
	MultiLabel bool     `json:"multi_label,omitempty"`
	Resident   bool     `json:"resident"`
}

// loadedModel is a restored labeler with its open session
type loadedModel struct {
	labeler *Labeler
	session Session
}

func (m *loadedModel) Close() error {
	return m.session.Close()
}

// ModelRegistry serves the checkpoints under a models directory. Models are
// loaded on first use; at most MaxModelsPerGPU are resident at once and the
// least recently used one is unloaded to make room.
type ModelRegistry struct {
	modelsDir string
	logger    *zap.Logger

	mu         sync.RWMutex
	discovered map[string]*checkpoint.Manifest

	scheduler *residency.Scheduler[*loadedModel]
}

// NewModelRegistry discovers the checkpoints in cfg.ModelsDir
func NewModelRegistry(cfg Config, logger *zap.Logger) (*ModelRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	keepAlive, err := parseDuration("keep_alive", cfg.KeepAlive, 0)
	if err != nil {
		return nil, err
	}

	r := &ModelRegistry{
		modelsDir:  cfg.ModelsDir,
		logger:     logger,
		discovered: make(map[string]*checkpoint.Manifest),
	}
	r.scheduler, err = residency.New(residency.Config{
		MaxModelsPerGPU: cfg.MaxModelsPerGPU,
		NumGPUs:         cfg.NumGPUs,
		KeepAlive:       keepAlive,
		Hooks: residency.Hooks{
			OnLoad: func(model string, took time.Duration) {
				RecordModelLoadDuration(model, took.Seconds())
			},
			OnEvict: func(_ string, reason string) {
				RecordModelEviction(reason)
			},
		},
	}, r.load, logger.Named("residency"))
	if err != nil {
		return nil, err
	}

	if err := r.Refresh(); err != nil {
		_ = r.scheduler.Close()
		return nil, err
	}
	return r, nil
}

// Refresh rescans the models directory. Checkpoints with an unreadable
// manifest are skipped.
func (r *ModelRegistry) Refresh() error {
	if r.modelsDir == "" {
		r.logger.Info("No models directory configured")
		return nil
	}
	names, err := checkpoint.Discover(r.modelsDir)
	if err != nil {
		return err
	}

	discovered := make(map[string]*checkpoint.Manifest, len(names))
	for _, name := range names {
		m, err := checkpoint.Load(filepath.Join(r.modelsDir, name))
		if err != nil {
			r.logger.Warn("Skipping invalid checkpoint",
				zap.String("name", name),
				zap.Error(err))
			continue
		}
		m.Name = name
		discovered[name] = m
		r.logger.Debug("Discovered model (not loaded)",
			zap.String("name", name),
			zap.String("policy", string(m.Policy)),
			zap.String("backend", m.Backend))
	}

	r.mu.Lock()
	r.discovered = discovered
	r.mu.Unlock()

	r.logger.Info("Model discovery complete",
		zap.String("dir", r.modelsDir),
		zap.Int("models_discovered", len(discovered)))
	return nil
}

func (r *ModelRegistry) manifest(name string) (*checkpoint.Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.discovered[name]
	return m, ok
}

// load is the residency loader: it restores the labeler and opens its weights
func (r *ModelRegistry) load(_ context.Context, name string) (*loadedModel, error) {
	if _, ok := r.manifest(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	dir := filepath.Join(r.modelsDir, name)
	labeler, m, err := LoadLabeler(dir, r.logger.Named(name))
	if err != nil {
		return nil, err
	}
	session, err := checkpoint.Open(dir, m)
	if err != nil {
		return nil, err
	}
	return &loadedModel{labeler: labeler, session: session}, nil
}

func (r *ModelRegistry) use(ctx context.Context, name string, fn func(*loadedModel) error) error {
	if _, ok := r.manifest(name); !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	err := r.scheduler.Predict(ctx, name, fn)
	UpdateResidentModels(r.scheduler.Stats().Resident)
	return err
}

// Predict labels texts with the named model
func (r *ModelRegistry) Predict(ctx context.Context, name string, texts []string, mode assembly.Mode) ([]assembly.Result, error) {
	var results []assembly.Result
	err := r.use(ctx, name, func(m *loadedModel) error {
		var err error
		results, err = m.labeler.Predict(ctx, m.session, texts, mode)
		return err
	})
	return results, err
}

// Encode encodes annotated documents with the named model's vocabulary
func (r *ModelRegistry) Encode(ctx context.Context, name string, docs []Document) ([]EncodedWindow, *encoding.Diagnostics, error) {
	var (
		windows []EncodedWindow
		diag    *encoding.Diagnostics
	)
	err := r.use(ctx, name, func(m *loadedModel) error {
		var err error
		windows, diag, err = m.labeler.Encode(ctx, docs)
		return err
	})
	return windows, diag, err
}

// List returns every discovered model, sorted by name
func (r *ModelRegistry) List() []ModelInfo {
	resident := r.Resident()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.discovered))
	for _, name := range slices.Sorted(maps.Keys(r.discovered)) {
		m := r.discovered[name]
		out = append(out, ModelInfo{
			Name:       name,
			Policy:     string(m.Policy),
			Backend:    m.Backend,
			Classes:    m.Classes,
			MultiLabel: m.MultiLabel,
			Resident:   slices.Contains(resident, name),
		})
	}
	return out
}

// Resident returns the loaded models, least recently used first
func (r *ModelRegistry) Resident() []string {
	return r.scheduler.Resident()
}

// Stats returns residency counters
func (r *ModelRegistry) Stats() residency.Stats {
	return r.scheduler.Stats()
}

// Preload loads the named models through a small worker pool. The scheduler
// serializes the loads, so when more names are given than MaxModelsPerGPU
// allows, which of them stay resident depends on completion order. It fails
// only when every model fails to load.
func (r *ModelRegistry) Preload(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	r.logger.Info("Preloading models", zap.Strings("models", names))

	var loaded, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(min(len(names), 4)).WithContext(ctx)
	for _, name := range names {
		p.Go(func(ctx context.Context) error {
			err := r.use(ctx, name, func(*loadedModel) error { return nil })
			if err != nil {
				r.logger.Warn("Failed to preload model",
					zap.String("model", name),
					zap.Error(err))
				failed.Add(1)
				return nil
			}
			r.logger.Info("Preloaded model", zap.String("model", name))
			loaded.Add(1)
			return nil
		})
	}
	_ = p.Wait()

	r.logger.Info("Preloading complete",
		zap.Int64("loaded", loaded.Load()),
		zap.Int64("failed", failed.Load()))
	if failed.Load() > 0 && loaded.Load() == 0 {
		return fmt.Errorf("all %d models failed to preload", failed.Load())
	}
	return nil
}

// Close unloads every model
func (r *ModelRegistry) Close() error {
	r.logger.Info("Closing model registry")
	return r.scheduler.Close()
}
