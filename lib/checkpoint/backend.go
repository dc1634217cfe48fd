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

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/antflydb/seqlabel/lib/encoding"
)

// ErrUnknownBackend is returned for a backend name nobody registered
var ErrUnknownBackend = errors.New("unknown backend")

// Session is an open model that scores token windows
type Session interface {
	// Logits returns one row of class scores per token. tokens carries the
	// raw text of each token, empty for special tokens.
	Logits(ctx context.Context, ids []int, tokens []string) ([][]float64, error)
	// Close releases the model
	Close() error
}

// Example is one encoded training window
type Example struct {
	IDs    []int
	Tokens []string
	Target encoding.Target
}

// Trainer fits a backend's weights from encoded windows
type Trainer interface {
	// Train consumes examples. weights holds one loss weight per class in
	// vocabulary order.
	Train(ctx context.Context, examples []Example, weights []float64) error
	// Save writes the trained weights into a checkpoint directory
	Save(dir string) error
}

// Backend trains and serves one kind of model.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	// Name is the identifier stored in Manifest.Backend
	Name() string
	// NewTrainer returns an untrained model for the manifest's vocabulary
	NewTrainer(m *Manifest) (Trainer, error)
	// Open loads the weights stored in dir
	Open(dir string, m *Manifest) (Session, error)
}

var (
	registry   = make(map[string]Backend)
	registryMu sync.RWMutex
)

// RegisterBackend registers a backend. Later registrations for the same
// name overwrite earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name()] = b
}

// GetBackend returns the backend registered under name
func GetBackend(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return b, nil
}

// ListRegistered returns the registered backend names, sorted
func ListRegistered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open opens the checkpoint in dir with the backend its manifest names
func Open(dir string, m *Manifest) (Session, error) {
	b, err := GetBackend(m.Backend)
	if err != nil {
		return nil, err
	}
	s, err := b.Open(dir, m)
	if err != nil {
		return nil, fmt.Errorf("opening %s checkpoint %s: %w", m.Backend, dir, err)
	}
	return s, nil
}

// NewTrainer returns a trainer for the manifest's backend
func NewTrainer(m *Manifest) (Trainer, error) {
	b, err := GetBackend(m.Backend)
	if err != nil {
		return nil, err
	}
	return b.NewTrainer(m)
}
