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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/seqlabel/lib/assembly"
	"github.com/antflydb/seqlabel/lib/checkpoint"
)

// writeModels fits one labeler per name on trainDocs and saves it under a
// fresh models directory
func writeModels(t *testing.T, names ...string) string {
	t.Helper()
	modelsDir := t.TempDir()
	for _, name := range names {
		l := fitLabeler(t, LabelerConfig{Name: name}, trainDocs)
		require.NoError(t, l.Save(filepath.Join(modelsDir, name)))
	}
	return modelsDir
}

func newRegistry(t *testing.T, cfg Config) *ModelRegistry {
	t.Helper()
	r, err := NewModelRegistry(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestModelRegistryDiscovery(t *testing.T) {
	modelsDir := writeModels(t, "people", "places")
	require.NoError(t, os.MkdirAll(filepath.Join(modelsDir, "not-a-model"), 0755))
	broken := filepath.Join(modelsDir, "broken")
	require.NoError(t, os.MkdirAll(broken, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, checkpoint.ManifestFilename), []byte("{"), 0644))

	r := newRegistry(t, Config{ModelsDir: modelsDir})
	models := r.List()
	require.Len(t, models, 2)
	assert.Equal(t, "people", models[0].Name)
	assert.Equal(t, "places", models[1].Name)
	assert.Equal(t, "plain", models[0].Policy)
	assert.Equal(t, checkpoint.LexiconBackend, models[0].Backend)
	assert.False(t, models[0].Resident)
	assert.Empty(t, r.Resident())
}

func TestModelRegistryPredict(t *testing.T) {
	r := newRegistry(t, Config{ModelsDir: writeModels(t, "people")})

	res, err := r.Predict(context.Background(), "people", []string{"John visited Paris"}, assembly.ModePlain)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, []span{
		{0, 4, "PER", "John"},
		{13, 18, "LOC", "Paris"},
	}, spansOf(res[0].Prediction))
	assert.Equal(t, []string{"people"}, r.Resident())
	assert.True(t, r.List()[0].Resident)

	_, err = r.Predict(context.Background(), "nobody", []string{"x"}, assembly.ModePlain)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestModelRegistryEncode(t *testing.T) {
	r := newRegistry(t, Config{ModelsDir: writeModels(t, "people")})

	windows, diag, err := r.Encode(context.Background(), "people", trainDocs)
	require.NoError(t, err)
	assert.Len(t, windows, 2)
	assert.True(t, diag.Empty())
}

func TestModelRegistryRotation(t *testing.T) {
	r := newRegistry(t, Config{
		ModelsDir:       writeModels(t, "a", "b", "c"),
		MaxModelsPerGPU: 2,
	})
	ctx := context.Background()
	use := func(name string) {
		_, err := r.Predict(ctx, name, []string{"Paris"}, assembly.ModePlain)
		require.NoError(t, err)
	}

	use("a")
	use("b")
	use("a")
	use("c")
	assert.Equal(t, []string{"a", "c"}, r.Resident())

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(3), st.Loads)
	assert.Equal(t, uint64(1), st.Evictions)
}

func TestModelRegistryPreload(t *testing.T) {
	r := newRegistry(t, Config{ModelsDir: writeModels(t, "a", "b")})

	require.NoError(t, r.Preload(context.Background(), []string{"a", "b", "missing"}))
	assert.ElementsMatch(t, []string{"a", "b"}, r.Resident())

	err := r.Preload(context.Background(), []string{"missing"})
	assert.Error(t, err)
}

func TestModelRegistryPreloadOverCapacity(t *testing.T) {
	names := []string{"a", "b", "c"}
	r := newRegistry(t, Config{ModelsDir: writeModels(t, names...), MaxModelsPerGPU: 1})

	require.NoError(t, r.Preload(context.Background(), names))
	resident := r.Resident()
	require.Len(t, resident, 1)
	assert.Subset(t, names, resident)

	st := r.Stats()
	assert.Equal(t, uint64(3), st.Loads)
	assert.Equal(t, uint64(2), st.Evictions)
}

func TestModelRegistryConfig(t *testing.T) {
	_, err := NewModelRegistry(Config{NumGPUs: 2}, nil)
	assert.Error(t, err)

	_, err = NewModelRegistry(Config{KeepAlive: "soon"}, nil)
	assert.Error(t, err)

	r := newRegistry(t, Config{ModelsDir: filepath.Join(t.TempDir(), "missing")})
	assert.Empty(t, r.List())
}
