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
package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.jsonl")
	data := `{"text": "John lives in Paris", "labels": [{"start": 0, "end": 4, "label": "PER"}, {"start": 14, "end": 19, "label": "LOC"}]}

{"text": "nothing here"}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	docs, err := readDocuments(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "John lives in Paris", docs[0].Text)
	require.Len(t, docs[0].Labels, 2)
	assert.Equal(t, "LOC", docs[0].Labels[1].Label)
	assert.Equal(t, 14, docs[0].Labels[1].Start)
	assert.Empty(t, docs[1].Labels)
}

func TestReadDocumentsReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"text\": \"ok\"}\n{\n"), 0644))

	_, err := readDocuments(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train.jsonl:2")
}

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("John lives in Paris\n\nMary sings\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"John lives in Paris", "Mary sings"}, lines)
}

func TestLabelerConfigFromFlags(t *testing.T) {
	require.NoError(t, trainCmd.Flags().Parse([]string{
		"--policy", "bio",
		"--max-length", "64",
		"--class-weights", "sqrt",
		"--tokenizer", "bpe",
		"--bpe-encoding", "cl100k_base",
	}))
	cfg := labelerConfigFromFlags(trainCmd)
	assert.Equal(t, "bio", cfg.Policy)
	assert.Equal(t, 64, cfg.MaxLength)
	assert.Equal(t, "sqrt", cfg.ClassWeights)
	assert.Equal(t, "bpe", string(cfg.Tokenizer.Kind))
	assert.Equal(t, "cl100k_base", cfg.Tokenizer.Encoding)
	assert.InDelta(t, 1.0, cfg.MaxEmptyChunkRatio, 1e-9)
}
