// Package google provides a decoder engine backed by Google Cloud Speech-to-Text.
package google

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"kaldi-serve/internal/models"
	"kaldi-serve/internal/service/decoder"
	"kaldi-serve/internal/service/segment"
)

// Engine implements decoder.Engine using the synchronous Recognize API.
type Engine struct {
	client *speech.Client
}

// New creates a new Google engine.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context) (*Engine, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Engine{client: c}, nil
}

// Name implements decoder.Engine.
func (e *Engine) Name() string { return "google" }

// Load implements decoder.Engine. No model artifacts are read; the
// language is mapped to its provider locale.
func (e *Engine) Load(ctx context.Context, language string, cfg models.ModelConfig) (decoder.Model, error) {
	return &Model{client: e.client, languageCode: providerLanguage(language, cfg)}, nil
}

// Close releases the client connection.
func (e *Engine) Close() error {
	return e.client.Close()
}

// Model recognizes chunks in one provider locale.
type Model struct {
	client       *speech.Client
	languageCode string
}

// Reentrant implements decoder.Model. The client is safe for concurrent use.
func (m *Model) Reentrant() bool { return true }

// Infer implements decoder.Model.
func (m *Model) Infer(ctx context.Context, audio []byte, maxAlternatives int) ([]models.Alternative, error) {
	f, pcm, err := segment.ReadWAV(bytes.NewReader(audio))
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: int32(f.SampleRate),
			LanguageCode:    m.languageCode,
			MaxAlternatives: int32(maxAlternatives),
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	return toAlternatives(resp.GetResults()), nil
}

func providerLanguage(language string, cfg models.ModelConfig) string {
	if cfg.ProviderLanguage != "" {
		return cfg.ProviderLanguage
	}
	return language
}

// toAlternatives merges consecutive results into one n-best list. Rank i
// joins the i-th alternative of every result and averages their confidence,
// so a list is only as deep as its shallowest result.
func toAlternatives(results []*speechpb.SpeechRecognitionResult) []models.Alternative {
	var nonEmpty []*speechpb.SpeechRecognitionResult
	for _, r := range results {
		if len(r.GetAlternatives()) > 0 {
			nonEmpty = append(nonEmpty, r)
		}
	}
	if len(nonEmpty) == 0 {
		return []models.Alternative{}
	}

	depth := len(nonEmpty[0].GetAlternatives())
	for _, r := range nonEmpty[1:] {
		if n := len(r.GetAlternatives()); n < depth {
			depth = n
		}
	}

	alts := make([]models.Alternative, 0, depth)
	for i := 0; i < depth; i++ {
		parts := make([]string, 0, len(nonEmpty))
		var conf float64
		for _, r := range nonEmpty {
			a := r.GetAlternatives()[i]
			parts = append(parts, strings.TrimSpace(a.GetTranscript()))
			conf += float64(a.GetConfidence())
		}
		alts = append(alts, models.Alternative{
			Transcript: strings.Join(parts, " "),
			Confidence: conf / float64(len(nonEmpty)),
		})
	}
	return alts
}
