package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envVars = []string{
	"SERVICE_PRINCIPAL", "SERVICE_ROLE", "HTTP_PORT", "GRPC_PORT",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_PRINCIPAL",
	"REDIS_ENABLED", "REDIS_HOST", "REDIS_PORT", "REDIS_VIRTUAL_PORT",
	"DECODER_ENGINE", "DECODER_MAX_ALTERNATIVES", "DECODER_INFERENCE_TIMEOUT",
	"SEGMENT_CHUNK_DURATION", "SEGMENT_DEFAULT_SAMPLE_RATE_HZ",
	"PIPELINE_AGGREGATION_POLICY", "PIPELINE_JOB_TTL", "ASR_WORKERS",
	"LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Service.Principal != "svc-kaldi-serve" {
		t.Errorf("expected default principal 'svc-kaldi-serve', got %s", cfg.Service.Principal)
	}
	if cfg.Service.Role != "all" {
		t.Errorf("expected default role 'all', got %s", cfg.Service.Role)
	}
	if cfg.Service.HTTPPort != "8002" {
		t.Errorf("expected default HTTP port '8002', got %s", cfg.Service.HTTPPort)
	}
	if cfg.Kafka.Enabled {
		t.Error("expected Kafka disabled by default")
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected default redis addr 'localhost:6379', got %s", cfg.Redis.Addr)
	}
	if cfg.Decoder.Engine != "mock" {
		t.Errorf("expected default engine 'mock', got %s", cfg.Decoder.Engine)
	}
	if cfg.Decoder.MaxAlternatives != 10 {
		t.Errorf("expected default max alternatives 10, got %d", cfg.Decoder.MaxAlternatives)
	}
	if cfg.Segment.ChunkDuration != time.Second {
		t.Errorf("expected default chunk duration 1s, got %v", cfg.Segment.ChunkDuration)
	}
	if cfg.Segment.DefaultSampleRateHz != 8000 {
		t.Errorf("expected default sample rate 8000, got %d", cfg.Segment.DefaultSampleRateHz)
	}
	if cfg.Pipeline.AggregationPolicy != "fail-fast" {
		t.Errorf("expected default policy 'fail-fast', got %s", cfg.Pipeline.AggregationPolicy)
	}
	if cfg.Pipeline.JobTTL != 3*time.Hour {
		t.Errorf("expected default job TTL 3h, got %v", cfg.Pipeline.JobTTL)
	}
	if cfg.Pipeline.MaxAttempts != 5 || cfg.Pipeline.DrainTimeout != 20*time.Second {
		t.Errorf("expected 5 attempts and a 20s drain, got %d and %v", cfg.Pipeline.MaxAttempts, cfg.Pipeline.DrainTimeout)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	os.Setenv("SERVICE_ROLE", "asr")
	os.Setenv("KAFKA_ENABLED", "true")
	os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	os.Setenv("REDIS_HOST", "redis")
	os.Setenv("REDIS_VIRTUAL_PORT", "2")
	os.Setenv("DECODER_ENGINE", "google")
	os.Setenv("DECODER_INFERENCE_TIMEOUT", "5s")
	os.Setenv("SEGMENT_CHUNK_DURATION", "2s")
	os.Setenv("PIPELINE_AGGREGATION_POLICY", "partial")
	os.Setenv("ASR_WORKERS", "8")
	defer clearEnv(t)

	cfg := Load()

	if cfg.Service.Role != "asr" {
		t.Errorf("expected role 'asr', got %s", cfg.Service.Role)
	}
	if !cfg.Kafka.Enabled {
		t.Error("expected Kafka enabled")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected two trimmed brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("expected redis addr 'redis:6379', got %s", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("expected redis db 2, got %d", cfg.Redis.DB)
	}
	if cfg.Decoder.Engine != "google" {
		t.Errorf("expected engine 'google', got %s", cfg.Decoder.Engine)
	}
	if cfg.Decoder.InferenceTimeout != 5*time.Second {
		t.Errorf("expected inference timeout 5s, got %v", cfg.Decoder.InferenceTimeout)
	}
	if cfg.Segment.ChunkDuration != 2*time.Second {
		t.Errorf("expected chunk duration 2s, got %v", cfg.Segment.ChunkDuration)
	}
	if cfg.Pipeline.AggregationPolicy != "partial" {
		t.Errorf("expected policy 'partial', got %s", cfg.Pipeline.AggregationPolicy)
	}
	if cfg.Pipeline.ASRWorkers != 8 {
		t.Errorf("expected 8 asr workers, got %d", cfg.Pipeline.ASRWorkers)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("KAFKA_ENABLED", "maybe")
	os.Setenv("DECODER_MAX_ALTERNATIVES", "lots")
	os.Setenv("SEGMENT_CHUNK_DURATION", "soon")
	os.Setenv("PIPELINE_JOB_TTL", "forever")
	os.Setenv("KAFKA_BROKERS", " , ")
	defer clearEnv(t)

	cfg := Load()

	if cfg.Kafka.Enabled {
		t.Error("expected default Kafka enabled on invalid input")
	}
	if cfg.Decoder.MaxAlternatives != 10 {
		t.Errorf("expected default max alternatives on invalid input, got %d", cfg.Decoder.MaxAlternatives)
	}
	if cfg.Segment.ChunkDuration != time.Second {
		t.Errorf("expected default chunk duration on invalid input, got %v", cfg.Segment.ChunkDuration)
	}
	if cfg.Pipeline.JobTTL != 3*time.Hour {
		t.Errorf("expected default job TTL on invalid input, got %v", cfg.Pipeline.JobTTL)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("expected default brokers on empty list, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	clearEnv(t)
	os.Setenv("SERVICE_PRINCIPAL", "my-service")
	defer clearEnv(t)

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestDefaultLanguages(t *testing.T) {
	langs := DefaultLanguages("/models")

	codes := langs.Codes()
	if len(codes) != 2 || codes[0] != "en" || codes[1] != "hi" {
		t.Fatalf("expected [en hi], got %v", codes)
	}

	en, ok := langs.Lookup("en")
	if !ok {
		t.Fatal("expected en to be configured")
	}
	if en.ModelFilename != "/models/english/s5/exp/chain/tdnn1g_sp_online/final.mdl" {
		t.Errorf("unexpected model path %s", en.ModelFilename)
	}
	if en.Decode.Beam != 13.0 || en.Decode.MaxActive != 7000 || en.Decode.FrameSubsamplingFactor != 3 {
		t.Errorf("unexpected decode options %+v", en.Decode)
	}
	if _, ok := langs.Lookup("fr"); ok {
		t.Error("expected fr to be unconfigured")
	}
}

func TestLoadModels_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	content := `languages:
  en:
    word_syms_filename: en/words.txt
    model_in_filename: en/final.mdl
    fst_in_str: en/HCLG.fst
    mfcc_config: /abs/mfcc.conf
    decode:
      beam: 10.0
      max_active: 5000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	langs, err := LoadModels(path, "/models")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	en, ok := langs.Lookup("en")
	if !ok {
		t.Fatal("expected en")
	}
	if en.WordSymsFilename != "/models/en/words.txt" {
		t.Errorf("expected relative path resolved, got %s", en.WordSymsFilename)
	}
	if en.MFCCConfig != "/abs/mfcc.conf" {
		t.Errorf("expected absolute path kept, got %s", en.MFCCConfig)
	}
	if en.IVectorConfig != "" {
		t.Errorf("expected no ivector config, got %s", en.IVectorConfig)
	}
	if en.Decode.Beam != 10.0 || en.Decode.MaxActive != 5000 {
		t.Errorf("expected decode options from file, got %+v", en.Decode)
	}
}

func TestLoadModels_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"no languages", "languages: {}\n"},
		{"missing path", "languages:\n  en:\n    word_syms_filename: w.txt\n"},
		{"unknown field", "languages:\n  en:\n    bogus: 1\n"},
		{"not yaml", "::::"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "m"+string(rune('a'+i))+".yaml")
			os.WriteFile(path, []byte(tt.content), 0o644)
			if _, err := LoadModels(path, dir); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := LoadModels(filepath.Join(dir, "missing.yaml"), dir); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadModels_EmptyPathUsesDefaults(t *testing.T) {
	langs, err := LoadModels("", "/m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := langs.Lookup("hi"); !ok {
		t.Error("expected default hi model")
	}
}
