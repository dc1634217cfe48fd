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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// LexiconBackend is the name of the built-in frequency-table backend
	LexiconBackend = "lexicon"
	// LexiconFilename holds the lexicon table inside a checkpoint
	LexiconFilename = "lexicon.json"
	// DefaultSmoothing is the additive smoothing applied to class counts
	DefaultSmoothing = 0.1
)

// ErrSessionClosed is returned by Logits after Close
var ErrSessionClosed = errors.New("session is closed")

func init() {
	RegisterBackend(lexiconBackend{})
}

type lexiconBackend struct{}

func (lexiconBackend) Name() string { return LexiconBackend }

func (lexiconBackend) NewTrainer(m *Manifest) (Trainer, error) {
	return NewLexicon(len(m.Classes), m.MultiLabel), nil
}

func (lexiconBackend) Open(dir string, m *Manifest) (Session, error) {
	lex, err := LoadLexicon(filepath.Join(dir, LexiconFilename))
	if err != nil {
		return nil, err
	}
	if lex.NumClasses != len(m.Classes) {
		return nil, fmt.Errorf("lexicon has %d classes, manifest has %d", lex.NumClasses, len(m.Classes))
	}
	return lex, nil
}

// LexiconEntry holds the weighted class counts of one token
type LexiconEntry struct {
	Seen   float64   `json:"seen"`
	Counts []float64 `json:"counts"`
}

// Lexicon is a per-token class frequency table. It scores a token by how
// often each class was assigned to that token's lowercased text during
// training; class 0 is pad and wins for unseen tokens.
type Lexicon struct {
	NumClasses int                      `json:"num_classes"`
	MultiLabel bool                     `json:"multi_label,omitempty"`
	Smoothing  float64                  `json:"smoothing"`
	Entries    map[string]*LexiconEntry `json:"entries"`

	mu     sync.RWMutex
	closed bool
}

var (
	_ Trainer = (*Lexicon)(nil)
	_ Session = (*Lexicon)(nil)
)

// NewLexicon returns an empty table for numClasses classes
func NewLexicon(numClasses int, multiLabel bool) *Lexicon {
	return &Lexicon{
		NumClasses: numClasses,
		MultiLabel: multiLabel,
		Smoothing:  DefaultSmoothing,
		Entries:    make(map[string]*LexiconEntry),
	}
}

// LoadLexicon reads a table written by Save
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lexicon: %w", err)
	}
	lex := &Lexicon{}
	if err := json.Unmarshal(data, lex); err != nil {
		return nil, fmt.Errorf("parsing lexicon: %w", err)
	}
	if lex.NumClasses < 1 {
		return nil, fmt.Errorf("invalid lexicon class count: %d", lex.NumClasses)
	}
	if lex.Entries == nil {
		lex.Entries = make(map[string]*LexiconEntry)
	}
	return lex, nil
}

func lexKey(tok string) string {
	return strings.ToLower(strings.TrimSpace(tok))
}

// Train implements Trainer
func (l *Lexicon) Train(ctx context.Context, examples []Example, weights []float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	weight := func(class int) float64 {
		if class < len(weights) {
			return weights[class]
		}
		return 1
	}

	for _, ex := range examples {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ex.Target.Len() != len(ex.Tokens) {
			return fmt.Errorf("example has %d tokens but %d targets", len(ex.Tokens), ex.Target.Len())
		}
		for i, tok := range ex.Tokens {
			key := lexKey(tok)
			if key == "" {
				continue
			}
			e := l.Entries[key]
			if e == nil {
				e = &LexiconEntry{Counts: make([]float64, l.NumClasses)}
				l.Entries[key] = e
			}

			if l.MultiLabel {
				e.Seen++
				for j, v := range ex.Target.Multi[i] {
					if v != 0 && j < l.NumClasses {
						e.Counts[j] += weight(j)
					}
				}
				continue
			}
			class := ex.Target.Indices[i]
			if class < 0 || class >= l.NumClasses {
				return fmt.Errorf("target class %d out of range", class)
			}
			w := weight(class)
			e.Seen += w
			e.Counts[class] += w
		}
	}
	return nil
}

// Save implements Trainer
func (l *Lexicon) Save(dir string) error {
	l.mu.RLock()
	data, err := json.Marshal(l)
	l.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling lexicon: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, LexiconFilename), data, 0644); err != nil {
		return fmt.Errorf("writing lexicon: %w", err)
	}
	return nil
}

// Logits implements Session. Single-label scores are log smoothed counts,
// so a softmax recovers the smoothed class frequencies. Multi-label scores
// are the log odds of each class being present.
func (l *Lexicon) Logits(ctx context.Context, _ []int, tokens []string) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrSessionClosed
	}

	a := l.Smoothing
	out := make([][]float64, len(tokens))
	for i, tok := range tokens {
		row := make([]float64, l.NumClasses)
		e := l.Entries[lexKey(tok)]

		if l.MultiLabel {
			seen, counts := 1.0, []float64(nil)
			if e != nil {
				seen, counts = e.Seen, e.Counts
			}
			for j := range row {
				c := 0.0
				if counts != nil {
					c = counts[j]
				}
				// class weights can push counts past seen
				p := min((c+a)/(seen+2*a), 1-1e-9)
				row[j] = math.Log(p / (1 - p))
			}
			out[i] = row
			continue
		}

		for j := range row {
			c := 0.0
			switch {
			case e != nil:
				c = e.Counts[j]
			case j == 0:
				c = 1
			}
			row[j] = math.Log(c + a)
		}
		out[i] = row
	}
	return out, nil
}

// Close implements Session
func (l *Lexicon) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.Entries = nil
	return nil
}
