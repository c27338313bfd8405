// Package mock provides a decoder engine for running the pipeline without Kaldi models.
// Each chunk maps deterministically to one of a fixed set of utterances, so
// repeated runs over the same audio produce the same transcripts.
package mock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"

	"kaldi-serve/internal/models"
	"kaldi-serve/internal/service/decoder"
	"kaldi-serve/internal/service/segment"
)

// SimulatedUtterance is the n-best list returned for a chunk.
type SimulatedUtterance struct {
	Final      string   // best hypothesis
	Confidence float64  // confidence of the best hypothesis
	Variants   []string // lower-ranked hypotheses, best first
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Final:      "I want to cancel my subscription",
		Confidence: 0.94,
		Variants:   []string{"I want to cancel my prescription", "I want to cancel", "I want"},
	},
	{
		Final:      "Yes please go ahead",
		Confidence: 0.97,
		Variants:   []string{"Yes please go", "Yes please"},
	},
	{
		Final:      "Can you help me with my account",
		Confidence: 0.91,
		Variants:   []string{"Can you help me with my count", "Can you help me with", "Can you help"},
	},
	{
		Final:      "I've been waiting for over an hour",
		Confidence: 0.89,
		Variants:   []string{"I've been waiting for over an our", "I've been waiting for"},
	},
	{
		Final:      "Thank you very much",
		Confidence: 0.98,
		Variants:   []string{"Thank you very", "Thank you"},
	},
}

// variantDecay scales the confidence of each successive variant.
const variantDecay = 0.8

// Engine implements decoder.Engine with simulated models.
type Engine struct {
	// VerifyFiles makes Load fail when a required model artifact is missing.
	VerifyFiles bool

	// Serial marks loaded models as non-reentrant.
	Serial bool

	// Utterances overrides DefaultUtterances when non-empty.
	Utterances []SimulatedUtterance
}

// New creates a mock engine.
func New(verifyFiles bool) *Engine {
	return &Engine{VerifyFiles: verifyFiles}
}

// Name implements decoder.Engine.
func (e *Engine) Name() string { return "mock" }

// Load implements decoder.Engine.
func (e *Engine) Load(ctx context.Context, language string, cfg models.ModelConfig) (decoder.Model, error) {
	if e.VerifyFiles {
		required, _ := cfg.Files()
		for _, f := range required {
			if f == "" {
				return nil, errors.New("model configuration has an empty path")
			}
			if _, err := os.Stat(f); err != nil {
				return nil, fmt.Errorf("model artifact: %w", err)
			}
		}
	}

	utts := e.Utterances
	if len(utts) == 0 {
		utts = DefaultUtterances
	}
	return &Model{language: language, utterances: utts, reentrant: !e.Serial}, nil
}

// Model is a simulated language model.
type Model struct {
	language   string
	utterances []SimulatedUtterance
	reentrant  bool
}

// Reentrant implements decoder.Model.
func (m *Model) Reentrant() bool { return m.reentrant }

// Infer implements decoder.Model. Silent chunks produce no hypotheses.
func (m *Model) Infer(ctx context.Context, audio []byte, maxAlternatives int) ([]models.Alternative, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcm, err := segment.PCM(audio)
	if err != nil {
		return nil, err
	}
	if silent(pcm) {
		return []models.Alternative{}, nil
	}

	h := fnv.New32a()
	h.Write(pcm)
	utt := m.utterances[int(h.Sum32()%uint32(len(m.utterances)))]

	alts := []models.Alternative{{Transcript: utt.Final, Confidence: utt.Confidence}}
	conf := utt.Confidence
	for _, v := range utt.Variants {
		if maxAlternatives > 0 && len(alts) >= maxAlternatives {
			break
		}
		conf *= variantDecay
		alts = append(alts, models.Alternative{Transcript: v, Confidence: conf})
	}
	return alts, nil
}

func silent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
