// Package transcriber decodes one chunk unit into a ranked transcription result.
package transcriber

import (
	"context"
	"errors"
	"sort"
	"time"

	"kaldi-serve/internal/models"
	"kaldi-serve/internal/observability/logging"
	"kaldi-serve/internal/observability/metrics"
)

// DefaultMaxAlternatives is the n-best depth kept per chunk.
const DefaultMaxAlternatives = 10

var errEmptyChunk = errors.New("chunk has no audio")

// Decoder runs inference for one language. *decoder.Handle satisfies it.
type Decoder interface {
	Language() string
	Infer(ctx context.Context, audio []byte, maxAlternatives int) ([]models.Alternative, error)
}

// Transcriber applies the per-chunk decoding contract on top of a Decoder.
type Transcriber struct {
	maxAlternatives int
	timeout         time.Duration
	metrics         *metrics.Metrics
}

// New creates a Transcriber. A non-positive maxAlternatives selects the
// default; a zero timeout disables the per-call deadline.
func New(maxAlternatives int, timeout time.Duration, m *metrics.Metrics) *Transcriber {
	if maxAlternatives <= 0 {
		maxAlternatives = DefaultMaxAlternatives
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Transcriber{maxAlternatives: maxAlternatives, timeout: timeout, metrics: m}
}

// Transcribe decodes chunk with d. Alternatives are ordered by descending
// confidence, ties keeping decoder order, and truncated to the configured
// depth. Every failure is returned as *models.InferenceError.
func (t *Transcriber) Transcribe(ctx context.Context, chunk models.Chunk, d Decoder) (models.TranscriptionResult, error) {
	fail := func(err error) (models.TranscriptionResult, error) {
		return models.TranscriptionResult{}, &models.InferenceError{JobID: chunk.JobID, Index: chunk.Index, Err: err}
	}
	if len(chunk.Audio) == 0 {
		return fail(errEmptyChunk)
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	alts, err := d.Infer(ctx, chunk.Audio, t.maxAlternatives)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	t.metrics.RecordInference(d.Language(), err, time.Since(start).Seconds())
	if err != nil {
		logger := logging.WithChunk("transcriber", chunk.JobID, chunk.Index)
		logger.Warn().
			Err(err).
			Str("language", d.Language()).
			Msg("Chunk inference failed")
		return fail(err)
	}

	ranked := make([]models.Alternative, len(alts))
	copy(ranked, alts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	if len(ranked) > t.maxAlternatives {
		ranked = ranked[:t.maxAlternatives]
	}
	return models.NewTranscriptionResult(ranked), nil
}
