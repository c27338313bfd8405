package pipeline

import (
	"testing"

	"kaldi-serve/internal/models"
)

func ok(text string) models.ChunkOutcome {
	return models.ChunkOutcome{Result: models.NewTranscriptionResult([]models.Alternative{{Transcript: text, Confidence: 0.9}})}
}

func failed(msg string) models.ChunkOutcome {
	return models.ChunkOutcome{Result: models.NewTranscriptionResult(nil), Error: msg}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input    string
		expected Policy
		wantErr  bool
	}{
		{"", PolicyFailFast, false},
		{"fail-fast", PolicyFailFast, false},
		{" Partial ", PolicyPartial, false},
		{"best-effort", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePolicy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParsePolicy(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestReduce_OrdersByIndex(t *testing.T) {
	outcomes := map[int]models.ChunkOutcome{2: ok("c"), 0: ok("a"), 1: ok("b")}

	results, err := Reduce(outcomes, 3, PolicyFailFast)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := results[i].Alternatives[0].Transcript; got != want {
			t.Errorf("result %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestReduce_Incomplete(t *testing.T) {
	tests := []struct {
		name     string
		outcomes map[int]models.ChunkOutcome
		n        int
	}{
		{"missing index", map[int]models.ChunkOutcome{0: ok("a"), 2: ok("c")}, 3},
		{"gap with extra index", map[int]models.ChunkOutcome{0: ok("a"), 5: ok("f")}, 2},
		{"too few", map[int]models.ChunkOutcome{0: ok("a")}, 2},
		{"no chunks", map[int]models.ChunkOutcome{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Reduce(tt.outcomes, tt.n, PolicyPartial); err == nil {
				t.Error("expected incompleteness error")
			}
		})
	}
}

func TestReduce_FailedOutcomeByPolicy(t *testing.T) {
	outcomes := map[int]models.ChunkOutcome{0: ok("a"), 1: failed("inference error: chunk 1 timed out"), 2: ok("c")}

	if _, err := Reduce(outcomes, 3, PolicyFailFast); err == nil || err.Error() != "inference error: chunk 1 timed out" {
		t.Errorf("expected chunk error under fail-fast, got %v", err)
	}

	results, err := Reduce(outcomes, 3, PolicyPartial)
	if err != nil {
		t.Fatalf("unexpected error under partial: %v", err)
	}
	if results[1].Alternatives == nil || len(results[1].Alternatives) != 0 {
		t.Errorf("expected empty alternatives for demoted chunk, got %v", results[1].Alternatives)
	}
	if results[2].Alternatives[0].Transcript != "c" {
		t.Error("expected healthy chunks to keep their results")
	}
}

func TestReduce_NilAlternativesBecomeEmpty(t *testing.T) {
	results, err := Reduce(map[int]models.ChunkOutcome{0: {}}, 1, PolicyFailFast)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Alternatives == nil {
		t.Error("expected non-nil alternatives")
	}
}
