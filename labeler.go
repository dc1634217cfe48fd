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
// Package seqlabel trains and serves sequence labelers: models that tag
// spans of raw text. A Labeler ties an encoding policy, a tokenizer and a
// model backend together; ModelRegistry and RunAsServer serve fitted
// checkpoints over HTTP.
package seqlabel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"runtime"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/seqlabel/lib/assembly"
	"github.com/antflydb/seqlabel/lib/checkpoint"
	"github.com/antflydb/seqlabel/lib/chunking"
	"github.com/antflydb/seqlabel/lib/decode"
	"github.com/antflydb/seqlabel/lib/encoding"
	"github.com/antflydb/seqlabel/lib/imbalance"
	"github.com/antflydb/seqlabel/lib/labels"
	"github.com/antflydb/seqlabel/lib/tokenizer"
)

// Session is an open model that scores token windows
type Session = checkpoint.Session

// ErrInvalidConfig is returned by NewLabeler for unusable settings
var ErrInvalidConfig = errors.New("invalid labeler config")

// Document is one annotated training document. Label and group offsets are
// character offsets into Text.
type Document struct {
	Text   string         `json:"text"`
	Labels []labels.Label `json:"labels"`
	Groups []labels.Group `json:"groups,omitempty"`
}

// EncodedWindow is one model-sized training window. Tokens holds the raw
// text each token covers, empty for special tokens. Starts and Ends are
// character offsets, -1 for special tokens.
type EncodedWindow struct {
	Document int             `json:"document"`
	Window   int             `json:"window"`
	IDs      []int           `json:"ids"`
	Tokens   []string        `json:"tokens"`
	Starts   []int           `json:"starts"`
	Ends     []int           `json:"ends"`
	Target   encoding.Target `json:"target"`

	empty bool
}

// Labeler encodes annotated documents into training windows, fits a model
// backend on them and assembles span predictions from a session's scores.
// Fit must not run concurrently with other methods; once fitted, Encode
// and Predict are safe for concurrent use.
type Labeler struct {
	cfg    LabelerConfig
	policy encoding.Policy
	tok    tokenizer.Tokenizer
	logger *zap.Logger

	enc          encoding.Encoder
	trainer      checkpoint.Trainer
	classWeights map[string]float64
}

// NewLabeler returns an unfitted Labeler
func NewLabeler(cfg LabelerConfig, logger *zap.Logger) (*Labeler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	policy, err := encoding.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	cfg.Policy = string(policy)

	if cfg.MaxLength < 1 {
		return nil, fmt.Errorf("%w: max_length %d", ErrInvalidConfig, cfg.MaxLength)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.MaxLength {
		return nil, fmt.Errorf("%w: chunk_overlap %d must be in [0, %d)", ErrInvalidConfig, cfg.ChunkOverlap, cfg.MaxLength)
	}
	if cfg.MaxEmptyChunkRatio < 0 {
		return nil, fmt.Errorf("%w: max_empty_chunk_ratio %v", ErrInvalidConfig, cfg.MaxEmptyChunkRatio)
	}
	if _, err := checkpoint.GetBackend(cfg.Backend); err != nil {
		return nil, err
	}
	if _, err := imbalance.ComputeClassWeights(cfg.ClassWeights, nil); err != nil {
		return nil, err
	}

	tok, err := tokenizer.New(cfg.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("creating tokenizer: %w", err)
	}

	return &Labeler{
		cfg:    cfg,
		policy: policy,
		tok:    tok,
		logger: logger,
	}, nil
}

// LoadLabeler restores the fitted labeler stored in a checkpoint directory.
// The model weights are not loaded; open them with checkpoint.Open.
func LoadLabeler(dir string, logger *zap.Logger) (*Labeler, *checkpoint.Manifest, error) {
	m, err := checkpoint.Load(dir)
	if err != nil {
		return nil, nil, err
	}
	l, err := NewLabeler(labelerConfigFromManifest(m), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", dir, err)
	}
	enc, err := l.newEncoder()
	if err != nil {
		return nil, nil, err
	}
	if err := enc.Restore(m.Classes); err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", dir, err)
	}
	if enc.MultiLabel() != m.MultiLabel {
		return nil, nil, fmt.Errorf("loading %s: policy %s does not match multi_label=%v", dir, m.Policy, m.MultiLabel)
	}
	l.enc = enc
	l.classWeights = m.ClassWeights
	return l, m, nil
}

func (l *Labeler) newEncoder() (encoding.Encoder, error) {
	return encoding.New(l.policy, encoding.Options{
		PadToken:      l.cfg.PadToken,
		BIO:           l.cfg.BIO,
		PipelineGroup: l.cfg.PipelineGroup,
		Logger:        l.logger.Named("encoder"),
	})
}

// Classes returns the fitted class vocabulary, pad first
func (l *Labeler) Classes() []string {
	if l.enc == nil {
		return nil
	}
	return l.enc.Vocabulary().Classes()
}

// Manifest describes the fitted labeler as a checkpoint
func (l *Labeler) Manifest() (*checkpoint.Manifest, error) {
	if l.enc == nil {
		return nil, encoding.ErrNotFitted
	}
	return l.manifestFor(l.enc, l.classWeights), nil
}

func (l *Labeler) manifestFor(enc encoding.Encoder, weights map[string]float64) *checkpoint.Manifest {
	m := l.cfg.manifest()
	m.Classes = enc.Vocabulary().Classes()
	m.MultiLabel = enc.MultiLabel()
	m.ClassWeights = weights
	return m
}

// Fit builds the class vocabulary from docs, encodes them and trains the
// backend. With AutoNegativeSampling a first model is trained and its
// false positives are added to the annotations, labeled pad, before the
// final fit.
func (l *Labeler) Fit(ctx context.Context, docs []Document) (*encoding.Diagnostics, error) {
	if !l.cfg.AutoNegativeSampling {
		return l.fit(ctx, docs, l.cfg.MaxEmptyChunkRatio)
	}

	sampler := *l
	sampler.logger = l.logger.Named("sampler")
	if _, err := sampler.fit(ctx, docs, 0); err != nil {
		return nil, fmt.Errorf("fitting negative sampling model: %w", err)
	}
	session, err := sampler.Session()
	if err != nil {
		return nil, err
	}
	defer func() { _ = session.Close() }()
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	results, err := sampler.Predict(ctx, session, texts, assembly.ModePlain)
	if err != nil {
		return nil, fmt.Errorf("predicting negative samples: %w", err)
	}

	preds := make([][]labels.Label, len(results))
	for i, r := range results {
		preds[i] = r.Prediction
	}
	gold := make([][]labels.Label, len(docs))
	for i, d := range docs {
		gold[i] = d.Labels
	}
	augmented := assembly.NegativeSamples(preds, gold, l.cfg.PadToken)

	goldCount, augmentedCount := countLabels(gold), countLabels(augmented)
	ratio := l.cfg.MaxEmptyChunkRatio
	if augmentedCount > 0 {
		// keeps the absolute number of sampled empty windows unchanged
		ratio *= float64(goldCount) / float64(augmentedCount)
	}
	l.logger.Info("Refitting with negative samples",
		zap.Int("negative_samples", augmentedCount-goldCount),
		zap.Float64("max_empty_chunk_ratio", ratio))

	withNegatives := slices.Clone(docs)
	for i := range withNegatives {
		withNegatives[i].Labels = augmented[i]
	}
	return l.fit(ctx, withNegatives, ratio)
}

func countLabels(docs [][]labels.Label) int {
	n := 0
	for _, d := range docs {
		n += len(d)
	}
	return n
}

func (l *Labeler) fit(ctx context.Context, docs []Document, maxEmptyRatio float64) (*encoding.Diagnostics, error) {
	enc, err := l.newEncoder()
	if err != nil {
		return nil, err
	}
	annotated := make([]encoding.Annotated, len(docs))
	for i, d := range docs {
		annotated[i] = encoding.Annotated{Labels: d.Labels, Groups: d.Groups}
	}
	if err := enc.Fit(annotated); err != nil {
		return nil, fmt.Errorf("fitting vocabulary: %w", err)
	}

	windows, diag, err := l.encode(ctx, enc, docs, maxEmptyRatio)
	if err != nil {
		return nil, err
	}
	targets := make([]encoding.Target, len(windows))
	examples := make([]checkpoint.Example, len(windows))
	for i, w := range windows {
		targets[i] = w.Target
		examples[i] = checkpoint.Example{IDs: w.IDs, Tokens: w.Tokens, Target: w.Target}
	}

	counts, err := encoding.ClassCounts(enc, targets)
	if err != nil {
		return nil, fmt.Errorf("counting classes: %w", err)
	}
	weights, err := imbalance.ComputeClassWeights(l.cfg.ClassWeights, counts)
	if err != nil {
		return nil, err
	}

	trainer, err := checkpoint.NewTrainer(l.manifestFor(enc, weights))
	if err != nil {
		return nil, err
	}
	if err := trainer.Train(ctx, examples, imbalance.WeightVector(weights, enc.Vocabulary())); err != nil {
		return nil, fmt.Errorf("training %s backend: %w", l.cfg.Backend, err)
	}

	l.enc = enc
	l.trainer = trainer
	l.classWeights = weights
	l.logger.Info("Fitted labeler",
		zap.String("policy", string(l.policy)),
		zap.Int("num_documents", len(docs)),
		zap.Int("num_windows", len(windows)),
		zap.Int("num_classes", enc.Vocabulary().Len()),
		zap.Int("dropped_windows", diag.DroppedWindows),
		zap.Int("unknown_labels", len(diag.UnknownLabels)))
	return diag, nil
}

// Encode tokenizes docs, cuts them into windows and encodes each window's
// labels against the fitted vocabulary. Unlabeled windows are dropped as
// configured by FilterEmptyExamples and MaxEmptyChunkRatio.
func (l *Labeler) Encode(ctx context.Context, docs []Document) ([]EncodedWindow, *encoding.Diagnostics, error) {
	if l.enc == nil {
		return nil, nil, encoding.ErrNotFitted
	}
	return l.encode(ctx, l.enc, docs, l.cfg.MaxEmptyChunkRatio)
}

func (l *Labeler) encode(ctx context.Context, enc encoding.Encoder, docs []Document, maxEmptyRatio float64) ([]EncodedWindow, *encoding.Diagnostics, error) {
	perDoc := make([][]EncodedWindow, len(docs))
	diags := make([]*encoding.Diagnostics, len(docs))

	limit := l.cfg.EncodeConcurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, doc := range docs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			windows, diag, err := l.encodeDocument(enc, i, doc)
			if err != nil {
				return err
			}
			perDoc[i], diags[i] = windows, diag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	diag := &encoding.Diagnostics{}
	for _, d := range diags {
		diag.Merge(d)
	}

	// The empty ratio is running state over the whole corpus, so filtering
	// happens in document order after the parallel encode.
	var empty, labeled int
	out := make([]EncodedWindow, 0, len(docs))
	for _, windows := range perDoc {
		for _, w := range windows {
			ratio := float64(empty) / float64(labeled+1)
			if w.empty && (l.cfg.FilterEmptyExamples || ratio > maxEmptyRatio) {
				diag.DroppedWindows++
				continue
			}
			if w.empty {
				empty++
			} else {
				labeled++
			}
			out = append(out, w)
		}
	}
	return out, diag, nil
}

func (l *Labeler) encodeDocument(enc encoding.Encoder, i int, doc Document) ([]EncodedWindow, *encoding.Diagnostics, error) {
	e, err := l.tok.Encode(doc.Text)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenizing document %d: %w", i, err)
	}
	offsets := labels.NewOffsets(doc.Text)
	sorted := labels.SortByStart(offsets.LabelsToBytes(doc.Labels))
	groups := offsets.GroupsToBytes(doc.Groups)

	diag := &encoding.Diagnostics{}
	windows := tokenizer.Windows(e.Len(), l.cfg.MaxLength, l.cfg.ChunkOverlap)
	out := make([]EncodedWindow, 0, len(windows))
	for k, w := range windows {
		toks := e.LabelTokens(w.Start, w.End)
		inWindow := windowLabels(sorted, toks)
		target, d, err := enc.Transform(toks, encoding.Annotated{Labels: inWindow, Groups: groups})
		if err != nil {
			return nil, nil, fmt.Errorf("encoding document %d window %d: %w", i, k, err)
		}
		diag.Merge(d)
		starts, ends := slices.Clone(e.Starts[w.Start:w.End]), slices.Clone(e.Ends[w.Start:w.End])
		offsets.PositionsToRunes(starts)
		offsets.PositionsToRunes(ends)
		out = append(out, EncodedWindow{
			Document: i,
			Window:   k,
			IDs:      slices.Clone(e.IDs[w.Start:w.End]),
			Tokens:   tokenTexts(toks),
			Starts:   starts,
			Ends:     ends,
			Target:   target,
			empty:    len(inWindow) == 0,
		})
	}
	return out, diag, nil
}

// windowLabels keeps the labels touching the text covered by toks
func windowLabels(ls []labels.Label, toks []labels.Token) []labels.Label {
	minStart, maxEnd := -1, -1
	for _, t := range toks {
		if t.IsSpecial() {
			continue
		}
		if minStart < 0 || t.Start < minStart {
			minStart = t.Start
		}
		maxEnd = max(maxEnd, t.End)
	}
	if minStart < 0 {
		return nil
	}
	var out []labels.Label
	for _, lab := range ls {
		if lab.End >= minStart && lab.Start <= maxEnd {
			out = append(out, lab)
		}
	}
	return out
}

func tokenTexts(toks []labels.Token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.Text
	}
	return out
}

// ClassCounts counts token occurrences of each class in encoded windows
func (l *Labeler) ClassCounts(windows []EncodedWindow) (map[string]int, error) {
	if l.enc == nil {
		return nil, encoding.ErrNotFitted
	}
	targets := make([]encoding.Target, len(windows))
	for i, w := range windows {
		targets[i] = w.Target
	}
	return encoding.ClassCounts(l.enc, targets)
}

// Session opens an inference session for the model trained by Fit. The
// session is loaded from a snapshot of the weights, so closing it leaves
// the labeler usable.
func (l *Labeler) Session() (Session, error) {
	if l.trainer == nil {
		return nil, encoding.ErrNotFitted
	}

	dir, err := os.MkdirTemp("", "seqlabel-session-*")
	if err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	if err := l.Save(dir); err != nil {
		return nil, err
	}
	m, err := checkpoint.Load(dir)
	if err != nil {
		return nil, err
	}
	return checkpoint.Open(dir, m)
}

// Save writes the manifest and the trained weights into dir
func (l *Labeler) Save(dir string) error {
	if l.trainer == nil {
		return encoding.ErrNotFitted
	}
	m, err := l.Manifest()
	if err != nil {
		return err
	}
	if err := checkpoint.Save(dir, m); err != nil {
		return err
	}
	if err := l.trainer.Save(dir); err != nil {
		return fmt.Errorf("saving %s weights: %w", l.cfg.Backend, err)
	}
	l.logger.Info("Saved checkpoint", zap.String("dir", dir), zap.Int("num_classes", len(m.Classes)))
	return nil
}

// Predict labels texts with session. Long texts are pre-split, windows are
// scored and decoded one at a time and assembled into one Result per text.
// Under BIO or group policies an entity comes back as a B- span followed by
// separate I- spans; callers merge them.
func (l *Labeler) Predict(ctx context.Context, session Session, texts []string, mode assembly.Mode) ([]assembly.Result, error) {
	if l.enc == nil {
		return nil, encoding.ErrNotFitted
	}
	chunks, splits := chunking.Split(texts, l.cfg.MaxDocumentChars)

	var streamErr error
	results, err := assembly.Collect(l.assembler().Assemble(l.windowPredictions(ctx, session, chunks, &streamErr), mode))
	if streamErr != nil {
		return nil, streamErr
	}
	if err != nil {
		return nil, fmt.Errorf("assembling predictions: %w", err)
	}
	if len(results) != len(chunks) {
		return nil, fmt.Errorf("assembled %d documents for %d chunks", len(results), len(chunks))
	}
	for i, chunk := range chunks {
		offsets := labels.NewOffsets(chunk)
		results[i].Prediction = offsets.LabelsToRunes(results[i].Prediction)
		results[i].Tokens = offsets.LabelsToRunes(results[i].Tokens)
	}
	return chunking.MergeResults(results, splits), nil
}

func (l *Labeler) assembler() *assembly.Assembler {
	return &assembly.Assembler{
		Classes:             l.enc.Vocabulary().Classes(),
		PadToken:            l.cfg.PadToken,
		MultiLabel:          l.enc.MultiLabel(),
		SubtokenPredictions: l.cfg.SubtokenPredictions,
	}
}

// windowPredictions lazily scores every window of every chunk. The first
// failure is stored in errp and ends the stream.
func (l *Labeler) windowPredictions(ctx context.Context, session Session, chunks []string, errp *error) iter.Seq[assembly.WindowPrediction] {
	return func(yield func(assembly.WindowPrediction) bool) {
		for i, chunk := range chunks {
			e, err := l.tok.Encode(chunk)
			if err != nil {
				*errp = fmt.Errorf("tokenizing text %d: %w", i, err)
				return
			}
			for _, w := range tokenizer.Windows(e.Len(), l.cfg.MaxLength, l.cfg.ChunkOverlap) {
				if err := ctx.Err(); err != nil {
					*errp = err
					return
				}
				wp, err := l.predictWindow(ctx, session, e, w)
				if err != nil {
					*errp = err
					return
				}
				if !yield(wp) {
					return
				}
			}
		}
	}
}

func (l *Labeler) predictWindow(ctx context.Context, session Session, e *tokenizer.Encoding, w tokenizer.Window) (assembly.WindowPrediction, error) {
	wp := assembly.WindowPrediction{
		Text:        e.Text,
		TokenStarts: e.Starts[w.Start:w.End],
		TokenEnds:   e.Ends[w.Start:w.End],
		WindowStart: w.AuthStart,
		WindowEnd:   w.AuthEnd,
		StartOfDoc:  w.StartOfDoc,
		EndOfDoc:    w.EndOfDoc,
	}
	if w.Len() == 0 {
		return wp, nil
	}

	logits, err := session.Logits(ctx, e.IDs[w.Start:w.End], tokenTexts(e.LabelTokens(w.Start, w.End)))
	if err != nil {
		return wp, fmt.Errorf("scoring window: %w", err)
	}
	if len(logits) != w.Len() {
		return wp, fmt.Errorf("session returned %d rows for %d tokens", len(logits), w.Len())
	}

	var target encoding.Target
	if l.enc.MultiLabel() {
		active, probs := decode.Sigmoid{Threshold: decode.DefaultThreshold}.DecodeMulti(logits)
		n := l.enc.Vocabulary().Len()
		target.Multi = make([][]int, len(active))
		for i, idx := range active {
			target.Multi[i] = make([]int, n)
			for _, j := range idx {
				target.Multi[i][j] = 1
			}
		}
		wp.Probs = probs
	} else {
		target.Indices, wp.Probs = decode.Softmax{}.Decode(logits, nil)
	}

	wp.Labels, err = l.inverseTransform(target)
	if err != nil {
		return wp, fmt.Errorf("decoding window: %w", err)
	}
	return wp, nil
}

// inverseTransform maps decoded indices to classes. Sessions score the
// entity head only, so the dual head decodes without group prefixes.
func (l *Labeler) inverseTransform(t encoding.Target) ([][]string, error) {
	if dh, ok := l.enc.(interface {
		InverseTransformLabels(encoding.Target) ([][]string, error)
	}); ok {
		return dh.InverseTransformLabels(t)
	}
	return l.enc.InverseTransform(t)
}
