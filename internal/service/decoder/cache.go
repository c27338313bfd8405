package decoder

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"kaldi-serve/internal/models"
	"kaldi-serve/internal/observability/logging"
	"kaldi-serve/internal/observability/metrics"
)

// Cache holds at most one Handle per language for the life of the process.
// Concurrent first use of a language shares a single construction; a failed
// construction is not cached, so the next call retries.
type Cache struct {
	engine  Engine
	metrics *metrics.Metrics

	group singleflight.Group

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewCache creates an empty cache over engine.
func NewCache(engine Engine, m *metrics.Metrics) *Cache {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Cache{
		engine:  engine,
		metrics: m,
		handles: make(map[string]*Handle),
	}
}

// Get returns the handle for language, constructing it on first use.
// A caller whose ctx ends while waiting gets ctx.Err(); the shared
// construction keeps running for the other waiters.
func (c *Cache) Get(ctx context.Context, language string, cfg models.ModelConfig) (*Handle, error) {
	if h, ok := c.lookup(language); ok {
		return h, nil
	}

	ch := c.group.DoChan(language, func() (interface{}, error) {
		// A construction that finished between lookup and DoChan already stored its handle.
		if h, ok := c.lookup(language); ok {
			return h, nil
		}
		return c.load(context.WithoutCancel(ctx), language, cfg)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	}
}

// Loaded reports whether a handle for language is cached.
func (c *Cache) Loaded(language string) bool {
	_, ok := c.lookup(language)
	return ok
}

func (c *Cache) lookup(language string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[language]
	return h, ok
}

func (c *Cache) load(ctx context.Context, language string, cfg models.ModelConfig) (*Handle, error) {
	logger := logging.WithComponent("decoder-cache").With().
		Str("language", language).
		Str("engine", c.engine.Name()).
		Logger()

	start := time.Now()
	logger.Info().Msg("Loading decoder model")

	model, err := c.engine.Load(ctx, language, cfg)
	c.metrics.RecordDecoderLoad(language, err, time.Since(start).Seconds())
	if err != nil {
		logger.Error().Err(err).Msg("Decoder model load failed")
		return nil, &models.ModelInitError{Language: language, Err: err}
	}

	h := newHandle(language, model)
	c.mu.Lock()
	c.handles[language] = h
	c.mu.Unlock()

	logger.Info().
		Dur("duration", time.Since(start)).
		Bool("reentrant", model.Reentrant()).
		Msg("Decoder model loaded")
	return h, nil
}
