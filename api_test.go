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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return s, ts
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPIPredict(t *testing.T) {
	_, ts := newTestServer(t, Config{ModelsDir: writeModels(t, "people")})

	resp := post(t, ts.URL+"/api/predict", PredictRequest{
		Model: "people",
		Texts: []string{"John visited Paris", "nothing here"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out PredictResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "people", out.Model)
	require.Len(t, out.Predictions, 2)
	assert.Equal(t, []span{
		{0, 4, "PER", "John"},
		{13, 18, "LOC", "Paris"},
	}, spansOf(out.Predictions[0].Prediction))
	assert.Empty(t, out.Predictions[1].Prediction)
}

func TestAPIPredictCached(t *testing.T) {
	s, ts := newTestServer(t, Config{ModelsDir: writeModels(t, "people"), CacheTTL: "1m"})
	req := PredictRequest{Model: "people", Texts: []string{"John visited Paris"}}

	for range 2 {
		resp := post(t, ts.URL+"/api/predict", req)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	st := s.cache.Stats()
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, 1, st.Items)
	assert.Equal(t, uint64(1), s.Registry().Stats().Loads)
}

func TestAPIPredictPerToken(t *testing.T) {
	_, ts := newTestServer(t, Config{ModelsDir: writeModels(t, "people")})

	resp := post(t, ts.URL+"/api/predict", PredictRequest{
		Model: "people",
		Texts: []string{"Mary lives"},
		Mode:  "per_token",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out PredictResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Predictions[0].Tokens, 2)
	assert.Equal(t, "PER", out.Predictions[0].Tokens[0].Label)
}

func TestAPIPredictErrors(t *testing.T) {
	_, ts := newTestServer(t, Config{ModelsDir: writeModels(t, "people")})

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "malformed json", body: "{", status: http.StatusBadRequest},
		{name: "missing model", body: PredictRequest{Texts: []string{"x"}}, status: http.StatusBadRequest},
		{name: "missing texts", body: PredictRequest{Model: "people"}, status: http.StatusBadRequest},
		{name: "unknown mode", body: PredictRequest{Model: "people", Texts: []string{"x"}, Mode: "verbose"}, status: http.StatusBadRequest},
		{name: "unknown model", body: PredictRequest{Model: "nobody", Texts: []string{"x"}}, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/api/predict", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAPIEncode(t *testing.T) {
	_, ts := newTestServer(t, Config{ModelsDir: writeModels(t, "people")})

	resp := post(t, ts.URL+"/api/encode", EncodeRequest{Model: "people", Documents: trainDocs})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out EncodeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Windows, 2)
	assert.Equal(t, []string{"John", "lives", "in", "Paris"}, out.Windows[0].Tokens)
	assert.Equal(t, []int{2, 0, 0, 1}, out.Windows[0].Target.Indices)
	assert.Nil(t, out.Diagnostics)

	resp = post(t, ts.URL+"/api/encode", EncodeRequest{Model: "people"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIModelsAndVersion(t *testing.T) {
	_, ts := newTestServer(t, Config{ModelsDir: writeModels(t, "people", "places")})

	resp, err := http.Get(ts.URL + "/api/models")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var models ModelsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&models))
	require.Len(t, models.Models, 2)
	assert.Equal(t, []string{"<PAD>", "LOC", "PER"}, models.Models[0].Classes)
	assert.Empty(t, models.Resident)

	resp, err = http.Get(ts.URL + "/api/version")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var version VersionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&version))
	assert.Equal(t, Version, version.Version)
	assert.NotEmpty(t, version.GoVersion)
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name      string
		modelsDir func(t *testing.T) string
		ready     int
	}{
		{name: "with models", modelsDir: func(t *testing.T) string { return writeModels(t, "people") }, ready: http.StatusOK},
		{name: "empty", modelsDir: func(t *testing.T) string { return t.TempDir() }, ready: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(t, Config{ModelsDir: tt.modelsDir(t)})

			resp, err := http.Get(ts.URL + "/healthz")
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			resp, err = http.Get(ts.URL + "/readyz")
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.ready, resp.StatusCode)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/predict", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
