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
	"io"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic/encoder"
	"github.com/spf13/cobra"

	"github.com/antflydb/seqlabel"
	"github.com/antflydb/seqlabel/lib/assembly"
	"github.com/antflydb/seqlabel/lib/checkpoint"
)

var predictCmd = &cobra.Command{
	Use:   "predict [text...]",
	Short: "Label texts with a local model",
	Long: `Label texts with a checkpoint and print one JSON result per text.
Texts are taken from the arguments, or one per line from stdin.

Examples:
  seqlabel predict --model people "John lives in Paris"
  seqlabel predict --model ./people --mode per_token < texts.txt`,
	RunE: runPredict,
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().String("model", "", "model name under the models directory, or a checkpoint directory (required)")
	predictCmd.Flags().String("mode", assembly.ModePlain.String(), "output mode (plain, per_token, negative_confidence)")
	_ = predictCmd.MarkFlagRequired("model")
}

func runPredict(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	model, _ := cmd.Flags().GetString("model")
	modeName, _ := cmd.Flags().GetString("mode")
	mode, err := assembly.ParseMode(modeName)
	if err != nil {
		return err
	}

	texts := args
	if len(texts) == 0 {
		if texts, err = readLines(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	if len(texts) == 0 {
		return fmt.Errorf("no texts to label")
	}

	dir := resolveModelDir(model)
	l, m, err := seqlabel.LoadLabeler(dir, logger)
	if err != nil {
		return err
	}
	session, err := checkpoint.Open(dir, m)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	results, err := l.Predict(ctx, session, texts, mode)
	if err != nil {
		return err
	}

	enc := encoder.NewStreamEncoder(cmd.OutOrStdout())
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading texts: %w", err)
	}
	return lines, nil
}

