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
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"

	"github.com/antflydb/seqlabel/lib/assembly"
	"github.com/antflydb/seqlabel/lib/encoding"
	"github.com/antflydb/seqlabel/lib/labels"
)

// PredictRequest is the body of POST /api/predict
type PredictRequest struct {
	// Model is the checkpoint name (required)
	Model string   `json:"model"`
	Texts []string `json:"texts"`
	// Mode is "plain", "per_token" or "negative_confidence". Empty means plain.
	Mode string `json:"mode,omitempty"`
}

// PredictResponse is the body returned by POST /api/predict
type PredictResponse struct {
	Model       string            `json:"model"`
	Predictions []assembly.Result `json:"predictions"`
}

// EncodeRequest is the body of POST /api/encode
type EncodeRequest struct {
	Model     string     `json:"model"`
	Documents []Document `json:"documents"`
}

// EncodeResponse is the body returned by POST /api/encode
type EncodeResponse struct {
	Model       string                `json:"model"`
	Windows     []EncodedWindow       `json:"windows"`
	Diagnostics *encoding.Diagnostics `json:"diagnostics,omitempty"`
}

// ModelsResponse is the body returned by GET /api/models
type ModelsResponse struct {
	Models   []ModelInfo `json:"models"`
	Resident []string    `json:"resident"`
}

// VersionResponse is the body returned by GET /api/version
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func newAPIHandler(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/predict", s.handleApiPredict)
	mux.HandleFunc("POST /api/encode", s.handleApiEncode)
	mux.HandleFunc("GET /api/models", s.handleApiModels)
	mux.HandleFunc("GET /api/version", s.handleApiVersion)
	return mux
}

// statusFor maps an error to an HTTP status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, labels.ErrInconsistentLabels),
		errors.Is(err, labels.ErrUnsortedLabels),
		errors.Is(err, assembly.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// acquire applies backpressure via the request queue. It writes the error
// response and returns false when no slot was granted.
func (s *Server) acquire(w http.ResponseWriter, r *http.Request) (func(), bool) {
	release, err := s.requestQueue.Acquire(r.Context())
	if err != nil {
		switch err {
		case ErrQueueFull:
			WriteQueueFullResponse(w, 5*time.Second)
		case ErrRequestTimeout:
			WriteTimeoutResponse(w)
		default:
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		}
		return nil, false
	}
	UpdateQueueMetrics(s.requestQueue.Stats())
	return release, true
}

func (s *Server) writeJSON(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleApiPredict(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	release, ok := s.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	var req PredictRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}
	if len(req.Texts) == 0 {
		http.Error(w, "texts are required", http.StatusBadRequest)
		return
	}
	mode, err := assembly.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	results, err := s.cache.Predict(r.Context(), req.Model, mode, req.Texts, func(ctx context.Context) ([]assembly.Result, error) {
		return s.registry.Predict(ctx, req.Model, req.Texts, mode)
	})
	if err != nil {
		status := statusFor(err)
		RecordRequestDuration("predict", req.Model, strconv.Itoa(status), time.Since(start).Seconds())
		s.logger.Error("Prediction failed",
			zap.String("model", req.Model),
			zap.Int("num_texts", len(req.Texts)),
			zap.Error(err))
		http.Error(w, fmt.Sprintf("prediction failed: %v", err), status)
		return
	}

	RecordPredictRequest(req.Model, mode.String())
	totalSpans := 0
	for _, res := range results {
		totalSpans += len(res.Prediction)
	}
	RecordSpanCreation(req.Model, totalSpans)
	RecordRequestDuration("predict", req.Model, "200", time.Since(start).Seconds())

	s.logger.Info("Predict request completed",
		zap.String("model", req.Model),
		zap.String("mode", mode.String()),
		zap.Int("num_texts", len(req.Texts)),
		zap.Int("total_spans", totalSpans))

	s.writeJSON(w, PredictResponse{Model: req.Model, Predictions: results})
}

func (s *Server) handleApiEncode(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	release, ok := s.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	var req EncodeRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}
	if len(req.Documents) == 0 {
		http.Error(w, "documents are required", http.StatusBadRequest)
		return
	}

	windows, diag, err := s.registry.Encode(r.Context(), req.Model, req.Documents)
	if err != nil {
		status := statusFor(err)
		RecordRequestDuration("encode", req.Model, strconv.Itoa(status), time.Since(start).Seconds())
		s.logger.Error("Encoding failed",
			zap.String("model", req.Model),
			zap.Int("num_documents", len(req.Documents)),
			zap.Error(err))
		http.Error(w, fmt.Sprintf("encoding failed: %v", err), status)
		return
	}

	RecordEncodeRequest(req.Model)
	RecordRequestDuration("encode", req.Model, "200", time.Since(start).Seconds())
	s.logger.Info("Encode request completed",
		zap.String("model", req.Model),
		zap.Int("num_documents", len(req.Documents)),
		zap.Int("num_windows", len(windows)))

	if diag.Empty() {
		diag = nil
	}
	s.writeJSON(w, EncodeResponse{Model: req.Model, Windows: windows, Diagnostics: diag})
}

func (s *Server) handleApiModels(w http.ResponseWriter, r *http.Request) {
	resident := s.registry.Resident()
	s.writeJSON(w, ModelsResponse{Models: s.registry.List(), Resident: resident})
}

func (s *Server) handleApiVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	})
}
