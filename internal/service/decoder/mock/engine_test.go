package mock

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"kaldi-serve/internal/models"
	"kaldi-serve/internal/service/segment"
)

var mono8k = segment.Format{SampleRate: 8000, Channels: 1, BitsPerSample: 16}

func speech(seed byte) []byte {
	pcm := make([]byte, 1600)
	for i := range pcm {
		pcm[i] = seed + byte(i%7)
	}
	return segment.EncodeWAV(mono8k, pcm)
}

func writeModelFiles(t *testing.T) models.ModelConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := models.ModelConfig{
		WordSymsFilename: filepath.Join(dir, "words.txt"),
		ModelFilename:    filepath.Join(dir, "final.mdl"),
		GraphFilename:    filepath.Join(dir, "HCLG.fst"),
		MFCCConfig:       filepath.Join(dir, "mfcc.conf"),
	}
	required, _ := cfg.Files()
	for _, f := range required {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func TestEngine_Name(t *testing.T) {
	if got := New(false).Name(); got != "mock" {
		t.Errorf("expected name mock, got %s", got)
	}
}

func TestEngine_LoadVerifiesFiles(t *testing.T) {
	cfg := writeModelFiles(t)

	if _, err := New(true).Load(context.Background(), "en", cfg); err != nil {
		t.Fatalf("unexpected error with all files present: %v", err)
	}

	os.Remove(cfg.ModelFilename)
	if _, err := New(true).Load(context.Background(), "en", cfg); err == nil {
		t.Error("expected error for missing final.mdl")
	}
	if _, err := New(false).Load(context.Background(), "en", cfg); err != nil {
		t.Errorf("expected no verification when disabled, got %v", err)
	}
}

func TestEngine_SerialModelsAreNotReentrant(t *testing.T) {
	e := &Engine{Serial: true}
	m, err := e.Load(context.Background(), "en", models.ModelConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if m.Reentrant() {
		t.Error("expected serial model to be non-reentrant")
	}
}

func TestModel_InferDeterministic(t *testing.T) {
	m, _ := New(false).Load(context.Background(), "en", models.ModelConfig{})

	first, err := m.Infer(context.Background(), speech(3), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := m.Infer(context.Background(), speech(3), 10)

	if len(first) == 0 {
		t.Fatal("expected alternatives for non-silent audio")
	}
	if len(first) != len(second) || first[0] != second[0] {
		t.Error("expected identical results for identical audio")
	}
	for i := 1; i < len(first); i++ {
		if first[i].Confidence >= first[i-1].Confidence {
			t.Errorf("alternative %d not ranked below its predecessor", i)
		}
	}
}

func TestModel_InferMaxAlternatives(t *testing.T) {
	m, _ := New(false).Load(context.Background(), "en", models.ModelConfig{})

	for _, n := range []int{1, 2} {
		alts, err := m.Infer(context.Background(), speech(5), n)
		if err != nil {
			t.Fatal(err)
		}
		if len(alts) != n {
			t.Errorf("expected %d alternatives, got %d", n, len(alts))
		}
	}
}

func TestModel_InferSilence(t *testing.T) {
	m, _ := New(false).Load(context.Background(), "en", models.ModelConfig{})

	alts, err := m.Infer(context.Background(), segment.EncodeWAV(mono8k, make([]byte, 1600)), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alts == nil || len(alts) != 0 {
		t.Errorf("expected empty non-nil alternatives for silence, got %v", alts)
	}
}

func TestModel_InferRejectsNonWAV(t *testing.T) {
	m, _ := New(false).Load(context.Background(), "en", models.ModelConfig{})
	if _, err := m.Infer(context.Background(), []byte("garbage"), 10); err == nil {
		t.Error("expected error for non-wav audio")
	}
}

func TestModel_InferCancelled(t *testing.T) {
	m, _ := New(false).Load(context.Background(), "en", models.ModelConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Infer(ctx, speech(1), 10); err == nil {
		t.Error("expected error for cancelled context")
	}
}
