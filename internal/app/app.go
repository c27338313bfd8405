// Package app wires the service components for one process role.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kaldi-serve/internal/config"
	httpapi "kaldi-serve/internal/http"
	"kaldi-serve/internal/observability/logging"
	"kaldi-serve/internal/observability/metrics"
	"kaldi-serve/internal/queue"
	"kaldi-serve/internal/service/decoder"
	"kaldi-serve/internal/service/decoder/google"
	"kaldi-serve/internal/service/decoder/mock"
	"kaldi-serve/internal/service/pipeline"
	"kaldi-serve/internal/service/segment"
	"kaldi-serve/internal/service/transcriber"
	"kaldi-serve/internal/store"
)

// Process roles.
const (
	RoleAll        = "all"
	RoleAPI        = "api"
	RolePreprocess = "preprocess"
	RoleASR        = "asr"
)

// storePingTimeout bounds the startup connectivity check of the Redis store.
const storePingTimeout = 5 * time.Second

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Coordinator *pipeline.Coordinator
	Router      http.Handler

	store   store.Store
	broker  queue.Broker
	engine  decoder.Engine
	metrics *metrics.Metrics
	hub     *httpapi.Hub
	pools   []*queue.Pool
	cancel  context.CancelFunc
	ready   atomic.Bool
}

// New constructs a new Application from the provided configuration.
func New(ctx context.Context, cfg *config.Configuration) (*Application, error) {
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	a := &Application{
		Cfg:     cfg,
		Logger:  logging.WithComponent("application"),
		metrics: metrics.DefaultMetrics,
	}

	switch cfg.Service.Role {
	case RoleAll, RoleAPI, RolePreprocess, RoleASR:
	default:
		return nil, fmt.Errorf("unknown service role %q", cfg.Service.Role)
	}

	policy, err := pipeline.ParsePolicy(cfg.Pipeline.AggregationPolicy)
	if err != nil {
		return nil, err
	}

	languages, err := a.loadLanguages()
	if err != nil {
		return nil, err
	}

	if a.engine, err = newEngine(ctx, cfg.Decoder); err != nil {
		return nil, err
	}
	if a.store, err = newStore(ctx, cfg, a.metrics); err != nil {
		a.closeEngine()
		return nil, err
	}
	if a.broker, err = newBroker(cfg, a.metrics); err != nil {
		a.closeEngine()
		closeIfCloser(a.store)
		return nil, err
	}

	seg := segment.New(
		segment.FileSource{Root: cfg.Segment.AudioRoot},
		segment.Limits{MaxAudioBytes: cfg.Segment.MaxAudioBytes, MaxDuration: cfg.Segment.MaxDuration},
		cfg.Segment.DefaultSampleRateHz,
	)

	a.Coordinator = pipeline.New(
		pipeline.Config{
			Languages:     languages,
			ChunkDuration: cfg.Segment.ChunkDuration,
			Policy:        policy,
			JobTTL:        cfg.Pipeline.JobTTL,
		},
		seg,
		decoder.NewCache(a.engine, a.metrics),
		transcriber.New(cfg.Decoder.MaxAlternatives, cfg.Decoder.InferenceTimeout, a.metrics),
		a.store,
		a.broker,
		a.metrics,
	)
	if cfg.Service.Role == RoleAll {
		// Completions are only consumed in-process when this process also runs the preprocess pool.
		a.hub = httpapi.NewHub()
		a.Coordinator.OnComplete(a.hub.Broadcast)
	}
	a.Router = httpapi.NewRouter(a.Coordinator, a.Ready, a.hub)

	a.Logger.Info().
		Str("role", cfg.Service.Role).
		Str("engine", a.engine.Name()).
		Str("policy", string(policy)).
		Strs("languages", languages.Codes()).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("redis", cfg.Redis.Enabled).
		Msg("Kaldi serve application created")
	return a, nil
}

// loadLanguages stages the model tree from the shared volume when one is
// mounted and reads the per-language model configuration.
func (a *Application) loadLanguages() (config.Languages, error) {
	dc := a.Cfg.Decoder
	if dc.ModelsSource != "" {
		if _, err := os.Stat(dc.ModelsSource); err == nil {
			copied, err := decoder.Stage(dc.ModelsSource, dc.ModelsDir)
			if err != nil {
				return nil, err
			}
			a.Logger.Info().
				Str("source", dc.ModelsSource).
				Str("dir", dc.ModelsDir).
				Bool("copied", copied).
				Msg("Models staged")
		} else {
			a.Logger.Debug().Str("source", dc.ModelsSource).Msg("No model volume mounted, using local models")
		}
	}

	if dc.ModelsConfig == "" {
		return config.DefaultLanguages(dc.ModelsDir), nil
	}
	return config.LoadModels(dc.ModelsConfig, dc.ModelsDir)
}

func newEngine(ctx context.Context, cfg config.DecoderConfig) (decoder.Engine, error) {
	switch cfg.Engine {
	case "", "mock":
		return mock.New(cfg.VerifyModelFiles), nil
	case "google":
		e, err := google.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("create google engine: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown decoder engine %q", cfg.Engine)
	}
}

func newStore(ctx context.Context, cfg *config.Configuration, m *metrics.Metrics) (store.Store, error) {
	if !cfg.Redis.Enabled {
		if cfg.Service.Role != RoleAll {
			logger := logging.WithComponent("application")
			logger.Warn().Str("role", cfg.Service.Role).Msg("In-memory job store is not shared between processes")
		}
		return store.NewMemory(cfg.Pipeline.JobTTL), nil
	}

	r := store.NewRedis(store.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Pipeline.JobTTL,
	}, m)

	pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		r.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return r, nil
}

func newBroker(cfg *config.Configuration, m *metrics.Metrics) (queue.Broker, error) {
	if !cfg.Kafka.Enabled {
		if cfg.Service.Role != RoleAll {
			return nil, fmt.Errorf("role %q needs a shared broker, set KAFKA_ENABLED", cfg.Service.Role)
		}
		return queue.NewMemory(m), nil
	}
	k, err := queue.NewKafka(queue.KafkaConfig{
		Brokers:     cfg.Kafka.Brokers,
		TopicPrefix: cfg.Kafka.TopicPrefix,
		GroupID:     cfg.Kafka.GroupID,
		Principal:   cfg.Kafka.Principal,
	}, m)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// ServesHTTP reports whether this role accepts job requests.
func (a *Application) ServesHTTP() bool {
	return a.Cfg.Service.Role == RoleAll || a.Cfg.Service.Role == RoleAPI
}

// Ready reports whether Start completed and Shutdown has not begun.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// Start launches the worker pools of this role.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	ctx, a.cancel = context.WithCancel(ctx)

	role := a.Cfg.Service.Role
	if role == RoleAll || role == RolePreprocess {
		a.pools = append(a.pools, queue.NewPool(a.broker, queue.QueuePreprocess, a.Cfg.Pipeline.PreprocessWorkers, a.Coordinator.Handlers(), a.metrics))
	}
	if role == RoleAll || role == RoleASR {
		a.pools = append(a.pools, queue.NewPool(a.broker, queue.QueueASR, a.Cfg.Pipeline.ASRWorkers, a.Coordinator.Handlers(), a.metrics))
	}

	for _, p := range a.pools {
		if n := a.Cfg.Pipeline.MaxAttempts; n > 0 {
			p.MaxAttempts = n
		}
		if d := a.Cfg.Pipeline.DrainTimeout; d > 0 {
			p.DrainTimeout = d
		}
		if err := p.Start(ctx); err != nil {
			a.cancel()
			return err
		}
	}

	a.ready.Store(true)
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Int("pools", len(a.pools)).
		Msg("Kaldi serve starting")
	return nil
}

// Shutdown stops the workers and releases the store, broker and engine.
// In-flight tasks get the pipeline drain timeout to finish.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	a.ready.Store(false)
	shutdownLogger.Info().Msg("Kaldi serve shutting down")

	if a.hub != nil {
		a.hub.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	for _, p := range a.pools {
		p.Stop()
	}
	if err := a.broker.Close(); err != nil {
		shutdownLogger.Error().Err(err).Msg("Error closing broker")
	}
	if err := closeIfCloser(a.store); err != nil {
		shutdownLogger.Error().Err(err).Msg("Error closing store")
	}
	a.closeEngine()
}

func (a *Application) closeEngine() {
	if err := closeIfCloser(a.engine); err != nil {
		a.Logger.Error().Err(err).Msg("Error closing decoder engine")
	}
}

func closeIfCloser(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
