// Package config loads the service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the full service configuration.
type Configuration struct {
	Service       ServiceConfig
	Kafka         KafkaConfig
	Redis         RedisConfig
	Decoder       DecoderConfig
	Segment       SegmentConfig
	Pipeline      PipelineConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds process identity and listener settings.
type ServiceConfig struct {
	Principal string
	Role      string // all, api, preprocess, asr
	HTTPPort  string
	GRPCPort  string
}

// KafkaConfig configures the task broker. When disabled an in-process broker is used.
type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	TopicPrefix string
	GroupID     string
	Principal   string
}

// RedisConfig configures the job state store. When disabled an in-process store is used.
type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DecoderConfig configures the decoding engine and model handles.
type DecoderConfig struct {
	Engine           string // mock, google
	ModelsConfig     string // YAML file with per-language model configs
	ModelsSource     string // shared volume to stage models from
	ModelsDir        string // local model directory
	MaxAlternatives  int
	InferenceTimeout time.Duration
	VerifyModelFiles bool
}

// SegmentConfig configures audio segmentation.
type SegmentConfig struct {
	ChunkDuration       time.Duration
	DefaultSampleRateHz int
	AudioRoot           string
	MaxAudioBytes       int64
	MaxDuration         time.Duration
}

// PipelineConfig configures the job coordinator and its workers.
type PipelineConfig struct {
	AggregationPolicy string // fail-fast, partial
	JobTTL            time.Duration
	ASRWorkers        int
	PreprocessWorkers int
	MaxAttempts       int           // deliveries of a task that keeps failing transiently
	DrainTimeout      time.Duration // grace for in-flight tasks on shutdown
}

// ObservabilityConfig configures logging and metrics.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads the configuration from environment variables, falling back to
// defaults when a variable is unset or cannot be parsed.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-kaldi-serve")

	return &Configuration{
		Service: ServiceConfig{
			Principal: principal,
			Role:      envOrDefault("SERVICE_ROLE", "all"),
			HTTPPort:  envOrDefault("HTTP_PORT", "8002"),
			GRPCPort:  envOrDefault("GRPC_PORT", "5017"),
		},
		Kafka: KafkaConfig{
			Enabled:     envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:     envOrDefaultList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicPrefix: envOrDefault("KAFKA_TOPIC_PREFIX", "kaldi-serve."),
			GroupID:     envOrDefault("KAFKA_GROUP_ID", "kaldi-serve-workers"),
			Principal:   envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Redis: RedisConfig{
			Enabled:   envOrDefaultBool("REDIS_ENABLED", false),
			Addr:      envOrDefault("REDIS_HOST", "localhost") + ":" + envOrDefault("REDIS_PORT", "6379"),
			Password:  envOrDefault("REDIS_PASSWORD", ""),
			DB:        envOrDefaultInt("REDIS_VIRTUAL_PORT", 0),
			KeyPrefix: envOrDefault("REDIS_KEY_PREFIX", "kaldi-serve:job:"),
		},
		Decoder: DecoderConfig{
			Engine:           envOrDefault("DECODER_ENGINE", "mock"),
			ModelsConfig:     envOrDefault("MODELS_CONFIG", ""),
			ModelsSource:     envOrDefault("MODELS_SOURCE", "/vol/data/models"),
			ModelsDir:        envOrDefault("MODELS_DIR", "/home/app/models"),
			MaxAlternatives:  envOrDefaultInt("DECODER_MAX_ALTERNATIVES", 10),
			InferenceTimeout: envOrDefaultDuration("DECODER_INFERENCE_TIMEOUT", 30*time.Second),
			VerifyModelFiles: envOrDefaultBool("DECODER_VERIFY_MODEL_FILES", true),
		},
		Segment: SegmentConfig{
			ChunkDuration:       envOrDefaultDuration("SEGMENT_CHUNK_DURATION", time.Second),
			DefaultSampleRateHz: envOrDefaultInt("SEGMENT_DEFAULT_SAMPLE_RATE_HZ", 8000),
			AudioRoot:           envOrDefault("SEGMENT_AUDIO_ROOT", ""),
			MaxAudioBytes:       int64(envOrDefaultInt("SEGMENT_MAX_AUDIO_BYTES", 512*1024*1024)),
			MaxDuration:         envOrDefaultDuration("SEGMENT_MAX_DURATION", 4*time.Hour),
		},
		Pipeline: PipelineConfig{
			AggregationPolicy: envOrDefault("PIPELINE_AGGREGATION_POLICY", "fail-fast"),
			JobTTL:            envOrDefaultDuration("PIPELINE_JOB_TTL", 3*time.Hour),
			ASRWorkers:        envOrDefaultInt("ASR_WORKERS", 4),
			PreprocessWorkers: envOrDefaultInt("PREPROCESS_WORKERS", 2),
			MaxAttempts:       envOrDefaultInt("PIPELINE_MAX_ATTEMPTS", 5),
			DrainTimeout:      envOrDefaultDuration("PIPELINE_DRAIN_TIMEOUT", 20*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
