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
	"fmt"
	"time"

	"github.com/antflydb/seqlabel/lib/checkpoint"
	"github.com/antflydb/seqlabel/lib/encoding"
	"github.com/antflydb/seqlabel/lib/tokenizer"
)

// Serving defaults
const (
	DefaultApiUrl          = "http://localhost:11433"
	DefaultMaxModelsPerGPU = 2
	DefaultCacheTTL        = 5 * time.Minute
)

// Labeler defaults
const (
	DefaultMaxLength          = 128
	DefaultChunkOverlap       = 16
	DefaultMaxEmptyChunkRatio = 1.0
)

// Config configures the prediction server
type Config struct {
	// ApiUrl is the address the HTTP API listens on
	ApiUrl string `json:"api_url" mapstructure:"api_url"`
	// ModelsDir holds one checkpoint directory per model
	ModelsDir string `json:"models_dir" mapstructure:"models_dir"`

	// MaxModelsPerGPU bounds the resident sessions
	MaxModelsPerGPU int `json:"max_models_per_gpu" mapstructure:"max_models_per_gpu"`
	// NumGPUs must be 1
	NumGPUs int `json:"num_gpus" mapstructure:"num_gpus"`
	// KeepAlive unloads sessions idle for this long, e.g. "5m". Empty keeps
	// them until evicted.
	KeepAlive string `json:"keep_alive,omitempty" mapstructure:"keep_alive"`

	// MaxConcurrentRequests bounds in-flight predictions. Zero disables the queue.
	MaxConcurrentRequests int `json:"max_concurrent_requests,omitempty" mapstructure:"max_concurrent_requests"`
	// MaxQueueSize bounds requests waiting for a slot. Zero means unbounded.
	MaxQueueSize int `json:"max_queue_size,omitempty" mapstructure:"max_queue_size"`
	// RequestTimeout bounds the wait for a slot, e.g. "30s"
	RequestTimeout string `json:"request_timeout,omitempty" mapstructure:"request_timeout"`

	// Preload names models loaded at startup
	Preload []string `json:"preload,omitempty" mapstructure:"preload"`
	// CacheTTL is how long predictions are cached, e.g. "5m". "0" disables caching.
	CacheTTL string `json:"cache_ttl,omitempty" mapstructure:"cache_ttl"`
}

func (c Config) withDefaults() Config {
	if c.ApiUrl == "" {
		c.ApiUrl = DefaultApiUrl
	}
	if c.MaxModelsPerGPU == 0 {
		c.MaxModelsPerGPU = DefaultMaxModelsPerGPU
	}
	if c.NumGPUs == 0 {
		c.NumGPUs = 1
	}
	return c
}

// parseDuration parses an optional duration setting
func parseDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, s, err)
	}
	return d, nil
}

// LabelerConfig configures encoding, windowing and training of a Labeler
type LabelerConfig struct {
	// Name is recorded in the checkpoint manifest
	Name string `json:"name,omitempty" mapstructure:"name"`

	// Policy is the encoding policy, see encoding.Policies. Empty means plain.
	Policy        string `json:"policy,omitempty" mapstructure:"policy"`
	PadToken      string `json:"pad_token,omitempty" mapstructure:"pad_token"`
	BIO           bool   `json:"bio,omitempty" mapstructure:"bio"`
	PipelineGroup bool   `json:"pipeline_group,omitempty" mapstructure:"pipeline_group"`

	Tokenizer tokenizer.Config `json:"tokenizer" mapstructure:"tokenizer"`
	// MaxLength is the window size in tokens
	MaxLength int `json:"max_length,omitempty" mapstructure:"max_length"`
	// ChunkOverlap is the number of tokens shared by adjacent windows
	ChunkOverlap int `json:"chunk_overlap,omitempty" mapstructure:"chunk_overlap"`
	// MaxDocumentChars pre-splits longer documents. Zero disables it.
	MaxDocumentChars int `json:"max_document_chars,omitempty" mapstructure:"max_document_chars"`
	// SubtokenPredictions keeps predicted span edges on token boundaries
	// instead of growing them to whole words
	SubtokenPredictions bool `json:"subtoken_predictions,omitempty" mapstructure:"subtoken_predictions"`

	// Backend is the registered model backend. Defaults to the lexicon backend.
	Backend string `json:"backend,omitempty" mapstructure:"backend"`
	// ClassWeights is "", "linear", "sqrt" or "log"
	ClassWeights string `json:"class_weights,omitempty" mapstructure:"class_weights"`

	// FilterEmptyExamples drops every training window without labels
	FilterEmptyExamples bool `json:"filter_empty_examples,omitempty" mapstructure:"filter_empty_examples"`
	// MaxEmptyChunkRatio drops unlabeled windows once empty/(labeled+1)
	// exceeds it. Zero means DefaultMaxEmptyChunkRatio.
	MaxEmptyChunkRatio float64 `json:"max_empty_chunk_ratio,omitempty" mapstructure:"max_empty_chunk_ratio"`
	// AutoNegativeSampling trains twice, adding the first model's false
	// positives as pad-labeled spans for the second
	AutoNegativeSampling bool `json:"auto_negative_sampling,omitempty" mapstructure:"auto_negative_sampling"`

	// EncodeConcurrency bounds the documents encoded in parallel. Zero
	// means one per CPU.
	EncodeConcurrency int `json:"encode_concurrency,omitempty" mapstructure:"encode_concurrency"`
}

func (c LabelerConfig) withDefaults() LabelerConfig {
	if c.PadToken == "" {
		c.PadToken = encoding.DefaultPadToken
	}
	if c.MaxLength == 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = min(DefaultChunkOverlap, c.MaxLength-1)
	}
	if c.Backend == "" {
		c.Backend = checkpoint.LexiconBackend
	}
	if c.MaxEmptyChunkRatio == 0 {
		c.MaxEmptyChunkRatio = DefaultMaxEmptyChunkRatio
	}
	return c
}

// manifest describes the configuration as an unfitted checkpoint
func (c LabelerConfig) manifest() *checkpoint.Manifest {
	return &checkpoint.Manifest{
		SchemaVersion:       checkpoint.CurrentSchemaVersion,
		Name:                c.Name,
		Policy:              encoding.Policy(c.Policy),
		PadToken:            c.PadToken,
		BIO:                 c.BIO,
		PipelineGroup:       c.PipelineGroup,
		Tokenizer:           c.Tokenizer,
		MaxLength:           c.MaxLength,
		ChunkOverlap:        c.ChunkOverlap,
		MaxDocumentChars:    c.MaxDocumentChars,
		SubtokenPredictions: c.SubtokenPredictions,
		Backend:             c.Backend,
	}
}

// labelerConfigFromManifest recovers the prediction-relevant settings of a
// checkpoint
func labelerConfigFromManifest(m *checkpoint.Manifest) LabelerConfig {
	return LabelerConfig{
		Name:                m.Name,
		Policy:              string(m.Policy),
		PadToken:            m.PadToken,
		BIO:                 m.BIO,
		PipelineGroup:       m.PipelineGroup,
		Tokenizer:           m.Tokenizer,
		MaxLength:           m.MaxLength,
		ChunkOverlap:        m.ChunkOverlap,
		MaxDocumentChars:    m.MaxDocumentChars,
		SubtokenPredictions: m.SubtokenPredictions,
		Backend:             m.Backend,
	}
}
