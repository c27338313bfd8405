// Package decoder defines the interface to the external decoding engine and
// the per-language cache of loaded model handles.
package decoder

import (
	"context"
	"sync"

	"kaldi-serve/internal/models"
)

// Engine loads language models (Kaldi, Google Cloud Speech, mock, ...).
type Engine interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// Load builds a model for language from its static configuration.
	// It is expensive and is called at most once concurrently per language.
	Load(ctx context.Context, language string, cfg models.ModelConfig) (Model, error)
}

// Model is a loaded, read-only language model.
type Model interface {
	// Infer decodes one WAV-encoded chunk and returns its n-best alternatives.
	Infer(ctx context.Context, audio []byte, maxAlternatives int) ([]models.Alternative, error)

	// Reentrant reports whether Infer may be called concurrently.
	Reentrant() bool
}

// Handle is the process-wide reference to a loaded model for one language.
type Handle struct {
	language string
	model    Model
	mu       *sync.Mutex // non-nil when the model is not reentrant
}

func newHandle(language string, model Model) *Handle {
	h := &Handle{language: language, model: model}
	if !model.Reentrant() {
		h.mu = &sync.Mutex{}
	}
	return h
}

// Language returns the language code the handle was built for.
func (h *Handle) Language() string {
	return h.language
}

// Infer runs the model on audio, serializing calls when the model requires it.
func (h *Handle) Infer(ctx context.Context, audio []byte, maxAlternatives int) ([]models.Alternative, error) {
	if h.mu != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
	}
	return h.model.Infer(ctx, audio, maxAlternatives)
}
