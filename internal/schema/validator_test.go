package schema

import (
	"errors"
	"testing"

	"kaldi-serve/internal/models"
)

func validRequest() models.JobRequest {
	return models.JobRequest{
		OperationName: "op-2024.01:abc_1",
		AudioURI:      "calls/a.wav",
		Config:        models.RecognitionConfig{LanguageCode: "en", SampleRateHertz: 16000, Encoding: "LINEAR16"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.JobRequest)
		require bool
		fields  []string
	}{
		{"valid", func(r *models.JobRequest) {}, true, nil},
		{"unknown language passes", func(r *models.JobRequest) { r.Config.LanguageCode = "fr" }, true, nil},
		{"lowercase encoding", func(r *models.JobRequest) { r.Config.Encoding = "linear16" }, true, nil},
		{"no operation name for sync", func(r *models.JobRequest) { r.OperationName = "" }, false, nil},
		{"missing operation name", func(r *models.JobRequest) { r.OperationName = "" }, true, []string{"operation_name"}},
		{"bad operation name", func(r *models.JobRequest) { r.OperationName = "a/b" }, false, []string{"operation_name"}},
		{"missing audio", func(r *models.JobRequest) { r.AudioURI = "  " }, true, []string{"audio_uri"}},
		{"negative sample rate", func(r *models.JobRequest) { r.Config.SampleRateHertz = -1 }, true, []string{"config.sample_rate_hertz"}},
		{"unsupported encoding", func(r *models.JobRequest) { r.Config.Encoding = "FLAC" }, true, []string{"config.encoding"}},
		{"several", func(r *models.JobRequest) {
			r.AudioURI = ""
			r.Config.LanguageCode = ""
		}, true, []string{"audio_uri", "config.language_code"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := New(tt.require).Validate(req)

			if len(tt.fields) == 0 {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected errors for %v, got nil", tt.fields)
			}

			joined, ok := err.(interface{ Unwrap() []error })
			if !ok {
				t.Fatalf("expected joined error, got %T", err)
			}
			errs := joined.Unwrap()
			if len(errs) != len(tt.fields) {
				t.Fatalf("expected %d field errors, got %d: %v", len(tt.fields), len(errs), err)
			}
			for i, e := range errs {
				var fe *FieldError
				if !errors.As(e, &fe) {
					t.Fatalf("expected FieldError, got %T", e)
				}
				if fe.Field != tt.fields[i] {
					t.Errorf("expected field %s, got %s", tt.fields[i], fe.Field)
				}
			}
		})
	}
}
