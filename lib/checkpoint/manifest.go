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

// Package checkpoint stores fitted labelers on disk and opens inference
// sessions for them through pluggable backends.
//
// A checkpoint is a directory holding labeler.json plus whatever files the
// backend writes next to it:
//
//	<models_dir>/<name>/labeler.json
//	<models_dir>/<name>/lexicon.json
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/antflydb/seqlabel/lib/encoding"
	"github.com/antflydb/seqlabel/lib/tokenizer"
)

// ManifestFilename is the file that marks a directory as a checkpoint
const ManifestFilename = "labeler.json"

// CurrentSchemaVersion is the manifest format version written by Save
const CurrentSchemaVersion = 1

// ErrNoManifest is returned by Load for a directory without a manifest
var ErrNoManifest = errors.New("no checkpoint manifest")

// Manifest describes a fitted labeler: everything needed to rebuild its
// encoder, tokenizer and windowing, and to open its backend.
type Manifest struct {
	// SchemaVersion is the manifest format version
	SchemaVersion int `json:"schema_version"`
	// Name is the model name, usually the checkpoint directory name
	Name string `json:"name,omitempty"`

	// Policy is the encoding policy (see encoding.Policies)
	Policy        encoding.Policy `json:"policy"`
	PadToken      string          `json:"pad_token"`
	BIO           bool            `json:"bio,omitempty"`
	PipelineGroup bool            `json:"pipeline_group,omitempty"`
	// Classes is the fitted vocabulary of the entity head, pad first
	Classes []string `json:"classes"`

	Tokenizer tokenizer.Config `json:"tokenizer"`
	// MaxLength is the model window size in tokens
	MaxLength int `json:"max_length"`
	// ChunkOverlap is the number of tokens shared by adjacent windows
	ChunkOverlap int `json:"chunk_overlap"`
	// MaxDocumentChars pre-splits longer documents. Zero disables it.
	MaxDocumentChars int `json:"max_document_chars,omitempty"`

	MultiLabel          bool `json:"multi_label,omitempty"`
	SubtokenPredictions bool `json:"subtoken_predictions,omitempty"`

	// Backend names the registered backend that owns the weights
	Backend      string             `json:"backend"`
	ClassWeights map[string]float64 `json:"class_weights,omitempty"`
}

// Validate checks the manifest for the fields every checkpoint needs
func (m *Manifest) Validate() error {
	if m.SchemaVersion < 1 || m.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %d (expected 1-%d)", m.SchemaVersion, CurrentSchemaVersion)
	}
	if _, err := encoding.ParsePolicy(string(m.Policy)); err != nil {
		return err
	}
	if m.PadToken == "" {
		return errors.New("manifest missing pad_token")
	}
	if len(m.Classes) == 0 || m.Classes[0] != m.PadToken {
		return fmt.Errorf("manifest classes must start with pad token %q", m.PadToken)
	}
	if m.Backend == "" {
		return errors.New("manifest missing backend")
	}
	if m.MaxLength < 1 {
		return fmt.Errorf("invalid max_length: %d", m.MaxLength)
	}
	if m.ChunkOverlap < 0 || m.ChunkOverlap >= m.MaxLength {
		return fmt.Errorf("chunk_overlap %d must be in [0, max_length)", m.ChunkOverlap)
	}
	return nil
}

// ParseManifest parses and validates a JSON manifest
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the manifest into dir, creating dir if needed
func Save(dir string, m *Manifest) error {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = CurrentSchemaVersion
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFilename), data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Load reads the manifest in dir. A relative tokenizer vocab file is
// resolved against dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", ErrNoManifest, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", dir, err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	if v := m.Tokenizer.VocabFile; v != "" && !filepath.IsAbs(v) {
		m.Tokenizer.VocabFile = filepath.Join(dir, v)
	}
	return m, nil
}

// Discover returns the names of the checkpoints directly under root, sorted.
// A missing root holds no checkpoints.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading models dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), ManifestFilename)); err == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}
