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
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/seqlabel"
	"github.com/antflydb/seqlabel/lib/tokenizer"
)

// maxLineBytes bounds one JSON lines document
const maxLineBytes = 64 << 20

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fit a model on annotated documents",
	Long: `Fit a sequence labeling model on JSON lines documents and save the
checkpoint. Each line holds one document:

  {"text": "John lives in Paris", "labels": [{"start": 0, "end": 4, "label": "PER"}]}

Examples:
  # Plain labels, saved under the models directory
  seqlabel train --data train.jsonl --name people

  # BIO tags over WordPiece windows of 256 tokens
  seqlabel train --data train.jsonl --out ./people --policy bio \
    --tokenizer wordpiece --vocab-file vocab.txt --max-length 256`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	f := trainCmd.Flags()
	f.String("data", "", "JSON lines training documents (required)")
	f.String("out", "", "checkpoint directory (default: <models-dir>/<name>)")
	f.String("name", "", "model name recorded in the checkpoint")
	f.String("policy", "plain", "encoding policy (plain, bio, group, multilabel, pipeline, dualhead)")
	f.String("pad-token", "", "the no-label class (default <PAD>)")
	f.Bool("bio", false, "use B-/I- prefixes for group, pipeline and dualhead policies")
	f.Bool("pipeline-group", false, "train the group boundary pass of the pipeline policy")
	f.String("tokenizer", string(tokenizer.KindWhitespace), "tokenizer kind (whitespace, bpe, wordpiece)")
	f.String("bpe-encoding", "", "tiktoken encoding for the bpe tokenizer")
	f.String("vocab-file", "", "vocab.txt for the wordpiece tokenizer")
	f.Bool("lowercase", false, "lowercase input for the wordpiece tokenizer")
	f.Int("max-length", seqlabel.DefaultMaxLength, "window size in tokens")
	f.Int("chunk-overlap", 0, "tokens shared by adjacent windows (default min(16, max-length-1))")
	f.Int("max-document-chars", 0, "pre-split longer documents at prediction time")
	f.Bool("subtoken-predictions", false, "keep predicted spans on token boundaries")
	f.String("backend", "", "model backend (default lexicon)")
	f.String("class-weights", "", "class weighting (linear, sqrt, log)")
	f.Bool("filter-empty", false, "drop every training window without labels")
	f.Float64("max-empty-chunk-ratio", seqlabel.DefaultMaxEmptyChunkRatio, "maximum ratio of unlabeled to labeled windows")
	f.Bool("auto-negative-sampling", false, "refit with the first model's false positives as negatives")
	f.Int("encode-concurrency", 0, "documents encoded in parallel (default one per CPU)")

	_ = trainCmd.MarkFlagRequired("data")
}

func labelerConfigFromFlags(cmd *cobra.Command) seqlabel.LabelerConfig {
	f := cmd.Flags()
	var cfg seqlabel.LabelerConfig
	cfg.Name, _ = f.GetString("name")
	cfg.Policy, _ = f.GetString("policy")
	cfg.PadToken, _ = f.GetString("pad-token")
	cfg.BIO, _ = f.GetBool("bio")
	cfg.PipelineGroup, _ = f.GetBool("pipeline-group")

	kind, _ := f.GetString("tokenizer")
	cfg.Tokenizer.Kind = tokenizer.Kind(kind)
	cfg.Tokenizer.Encoding, _ = f.GetString("bpe-encoding")
	cfg.Tokenizer.VocabFile, _ = f.GetString("vocab-file")
	cfg.Tokenizer.Lowercase, _ = f.GetBool("lowercase")

	cfg.MaxLength, _ = f.GetInt("max-length")
	cfg.ChunkOverlap, _ = f.GetInt("chunk-overlap")
	cfg.MaxDocumentChars, _ = f.GetInt("max-document-chars")
	cfg.SubtokenPredictions, _ = f.GetBool("subtoken-predictions")
	cfg.Backend, _ = f.GetString("backend")
	cfg.ClassWeights, _ = f.GetString("class-weights")
	cfg.FilterEmptyExamples, _ = f.GetBool("filter-empty")
	cfg.MaxEmptyChunkRatio, _ = f.GetFloat64("max-empty-chunk-ratio")
	cfg.AutoNegativeSampling, _ = f.GetBool("auto-negative-sampling")
	cfg.EncodeConcurrency, _ = f.GetInt("encode-concurrency")
	return cfg
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	cfg := labelerConfigFromFlags(cmd)
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		if cfg.Name == "" {
			return fmt.Errorf("either --out or --name is required")
		}
		out = filepath.Join(viper.GetString("models_dir"), cfg.Name)
	}

	dataPath, _ := cmd.Flags().GetString("data")
	docs, err := readDocuments(dataPath)
	if err != nil {
		return err
	}
	logger.Info("Read training documents",
		zap.String("path", dataPath),
		zap.Int("num_documents", len(docs)))

	l, err := seqlabel.NewLabeler(cfg, logger)
	if err != nil {
		return err
	}
	diag, err := l.Fit(ctx, docs)
	if err != nil {
		return fmt.Errorf("fitting model: %w", err)
	}
	if err := l.Save(out); err != nil {
		return err
	}

	fmt.Printf("Saved %s with classes %v\n", out, l.Classes())
	if !diag.Empty() {
		fmt.Printf("  unknown labels: %d, conflicts: %d, dropped windows: %d\n",
			len(diag.UnknownLabels), len(diag.Conflicts), diag.DroppedWindows)
	}
	return nil
}

// readDocuments parses one document per non-empty line
func readDocuments(path string) ([]seqlabel.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening training data: %w", err)
	}
	defer func() { _ = f.Close() }()

	var docs []seqlabel.Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var doc seqlabel.Document
		if err := sonic.Unmarshal(scanner.Bytes(), &doc); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading training data: %w", err)
	}
	return docs, nil
}
