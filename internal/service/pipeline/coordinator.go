// Package pipeline drives transcription jobs from request to completion.
//
// A job is segmented into chunks, each chunk is transcribed as its own
// unit-task on the "asr" queue, and the last recorded chunk assembles the
// results and dispatches one completion notification on the "preprocess"
// queue. Job state lives in a store.Store so every worker sees the same
// progress.
//
// Queue handlers return errors the job state already reflects as
// queue.Permanent. Any other error leaves the task for redelivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kaldi-serve/internal/config"
	"kaldi-serve/internal/models"
	"kaldi-serve/internal/observability/logging"
	"kaldi-serve/internal/observability/metrics"
	"kaldi-serve/internal/queue"
	"kaldi-serve/internal/service/decoder"
	"kaldi-serve/internal/service/transcriber"
	"kaldi-serve/internal/store"
)

// Chunk outcome labels.
const (
	outcomeSuccess = "success"
	outcomeEmpty   = "empty"
	outcomeDemoted = "demoted"
	outcomeFailed  = "failed"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid job request")

// Segmenter splits job audio into chunks. *segment.Segmenter satisfies it.
type Segmenter interface {
	Segment(ctx context.Context, jobID, audioURI string, cfg models.RecognitionConfig, chunkDuration time.Duration) ([]models.Chunk, error)
}

// Listener receives completion notifications.
type Listener func(ctx context.Context, resp models.Response)

// Config holds coordinator settings.
type Config struct {
	Languages     config.Languages
	ChunkDuration time.Duration
	Policy        Policy
	JobTTL        time.Duration
}

// Coordinator runs the job state machine.
type Coordinator struct {
	cfg         Config
	segmenter   Segmenter
	cache       *decoder.Cache
	transcriber *transcriber.Transcriber
	store       store.Store
	broker      queue.Broker
	metrics     *metrics.Metrics
	now         func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a Coordinator.
func New(cfg Config, seg Segmenter, cache *decoder.Cache, tr *transcriber.Transcriber, st store.Store, br queue.Broker, m *metrics.Metrics) *Coordinator {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyFailFast
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = store.DefaultTTL
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Coordinator{
		cfg:         cfg,
		segmenter:   seg,
		cache:       cache,
		transcriber: tr,
		store:       st,
		broker:      br,
		metrics:     m,
		now:         time.Now,
	}
}

// OnComplete registers l to receive completion notifications handled by
// this process.
func (c *Coordinator) OnComplete(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Handlers returns the queue handlers served by the coordinator.
func (c *Coordinator) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		models.TaskPreprocess: c.HandlePreprocess,
		models.TaskASR:        c.HandleUnit,
		models.TaskComplete:   c.HandleComplete,
	}
}

// Get returns the current state of a job.
func (c *Coordinator) Get(ctx context.Context, id string) (*models.JobState, error) {
	return c.store.Get(ctx, id)
}

func validate(req models.JobRequest) error {
	if req.OperationName == "" {
		return fmt.Errorf("%w: operation_name is required", ErrInvalidRequest)
	}
	if req.AudioURI == "" {
		return fmt.Errorf("%w: audio_uri is required", ErrInvalidRequest)
	}
	return nil
}

func (c *Coordinator) lookup(lang string) (models.ModelConfig, error) {
	cfg, ok := c.cfg.Languages.Lookup(lang)
	if !ok {
		return models.ModelConfig{}, &models.ConfigError{Language: lang}
	}
	return cfg, nil
}

// Submit creates a job and dispatches its chunks directly from the caller.
// The returned state is RUNNING on success or FAILED when the language is
// unknown or the audio cannot be segmented.
func (c *Coordinator) Submit(ctx context.Context, req models.JobRequest) (*models.JobState, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if err := c.store.Create(ctx, req.OperationName, models.NewJobState(req, c.now()), c.cfg.JobTTL); err != nil {
		return nil, err
	}
	c.metrics.RecordJobSubmitted("async")

	st, err := c.prepare(ctx, req)
	if err != nil && st == nil && ctx.Err() != nil {
		// No preprocess task exists to retry it.
		return c.fail(ctx, req.OperationName, fmt.Errorf("segmentation cancelled: %w", err), true)
	}
	return st, err
}

// Enqueue creates a job and hands segmentation to a preprocess worker.
// An unknown language fails the job immediately.
func (c *Coordinator) Enqueue(ctx context.Context, req models.JobRequest) (*models.JobState, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if err := c.store.Create(ctx, req.OperationName, models.NewJobState(req, c.now()), c.cfg.JobTTL); err != nil {
		return nil, err
	}
	c.metrics.RecordJobSubmitted("job")

	if _, err := c.lookup(req.Config.LanguageCode); err != nil {
		return c.fail(ctx, req.OperationName, err, true)
	}

	task, err := queue.NewTask(models.TaskPreprocess, req.OperationName, models.PreprocessTask{Request: req})
	if err == nil {
		err = c.broker.Publish(ctx, task)
	}
	if err != nil {
		st, ferr := c.fail(ctx, req.OperationName, fmt.Errorf("dispatch preprocess task: %w", err), false)
		if ferr != nil {
			return nil, ferr
		}
		return st, err
	}
	return c.store.Get(ctx, req.OperationName)
}

// HandlePreprocess runs the segmentation and dispatch steps of a job
// accepted by Enqueue. Redelivered tasks for a job past PENDING are ignored.
func (c *Coordinator) HandlePreprocess(ctx context.Context, task queue.Task) error {
	var pt models.PreprocessTask
	if err := task.Decode(&pt); err != nil {
		return queue.Permanent(err)
	}
	logger := logging.WithJob("coordinator", pt.Request.OperationName)

	st, err := c.store.Get(ctx, pt.Request.OperationName)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Msg("Job expired before preprocessing, dropping task")
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status != models.StatusPending {
		c.metrics.RecordDuplicate(task.Type)
		logger.Debug().Str("status", st.Status.String()).Msg("Job already preprocessed, ignoring redelivery")
		return nil
	}

	return taskError(c.prepare(ctx, pt.Request))
}

// prepare segments a PENDING job, marks it RUNNING and dispatches one
// unit-task per chunk. Failures mark the job FAILED, except a segmentation
// interrupted by ctx, which leaves the job PENDING.
func (c *Coordinator) prepare(ctx context.Context, req models.JobRequest) (*models.JobState, error) {
	id := req.OperationName
	logger := logging.WithJob("coordinator", id)

	if _, err := c.lookup(req.Config.LanguageCode); err != nil {
		return c.fail(ctx, id, err, true)
	}

	chunks, err := c.segmenter.Segment(ctx, id, req.AudioURI, req.Config, c.cfg.ChunkDuration)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn().Err(err).Msg("Segmentation interrupted, job left pending")
			return nil, err
		}
		var segErr *models.SegmentationError
		if errors.As(err, &segErr) {
			c.metrics.RecordSegmentationError(segErr.Reason)
		}
		return c.fail(ctx, id, err, true)
	}
	c.metrics.RecordSegmented(len(chunks), audioSeconds(chunks))

	started := false
	st, err := c.store.Update(ctx, id, func(st *models.JobState) error {
		started = false
		if st.Status != models.StatusPending {
			return store.ErrSkip
		}
		if err := st.Start(len(chunks), c.now()); err != nil {
			return err
		}
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !started {
		c.metrics.RecordDuplicate(models.TaskPreprocess)
		return st, nil
	}
	c.metrics.RecordJobStarted()
	logger.Info().Int("chunks", len(chunks)).Msg("Job running, dispatching chunks")

	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return c.fail(ctx, id, fmt.Errorf("dispatch cancelled at chunk %d: %w", ch.Index, err), true)
		}
		task, err := queue.NewTask(models.TaskASR, id, models.AsrTask{
			OperationName: id,
			ChunkIndex:    ch.Index,
			ChunkCount:    len(chunks),
			LanguageCode:  req.Config.LanguageCode,
			Audio:         ch.Audio,
			Offset:        ch.Offset,
			Duration:      ch.Duration,
		})
		if err == nil {
			err = c.broker.Publish(ctx, task)
		}
		if err != nil {
			return c.fail(ctx, id, fmt.Errorf("dispatch chunk %d: %w", ch.Index, err), true)
		}
	}
	return st, nil
}

// HandleUnit transcribes one chunk and records its outcome. The update that
// records the last outstanding chunk finishes the job.
func (c *Coordinator) HandleUnit(ctx context.Context, task queue.Task) error {
	var at models.AsrTask
	if err := task.Decode(&at); err != nil {
		return queue.Permanent(err)
	}
	id := at.OperationName
	logger := logging.WithChunk("coordinator", id, at.ChunkIndex)

	st, err := c.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Msg("Job not found, dropping chunk")
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status != models.StatusRunning || st.HasChunk(at.ChunkIndex) {
		c.metrics.RecordDuplicate(task.Type)
		logger.Debug().Str("status", st.Status.String()).Msg("Job not running or chunk already recorded, ignoring task")
		return nil
	}

	modelCfg, err := c.lookup(at.LanguageCode)
	if err != nil {
		return taskError(c.fail(ctx, id, err, true))
	}

	handle, err := c.cache.Get(ctx, at.LanguageCode, modelCfg)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.metrics.RecordChunkOutcome(outcomeFailed)
		return taskError(c.fail(ctx, id, err, true))
	}

	outcome, err := c.transcribe(ctx, logger, at.Chunk(), handle)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn().Err(err).Msg("Chunk interrupted, leaving it for redelivery")
			return err
		}
		return taskError(c.fail(ctx, id, err, true))
	}
	return c.record(ctx, logger, id, at.ChunkIndex, outcome)
}

// taskError classifies the result of a state change for the worker pool.
// Failures already written to the job, and failures no redelivery can get
// past, are permanent.
func taskError(st *models.JobState, err error) error {
	switch {
	case err == nil:
		return nil
	case st != nil && st.Status.IsTerminal(),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, models.ErrTerminalState),
		errors.Is(err, models.ErrInvalidTransition):
		return queue.Permanent(err)
	}
	return err
}

// transcribe applies the aggregation policy to one chunk. An error return
// means the job must fail, unless ctx has ended.
func (c *Coordinator) transcribe(ctx context.Context, logger zerolog.Logger, chunk models.Chunk, handle *decoder.Handle) (models.ChunkOutcome, error) {
	res, err := c.transcriber.Transcribe(ctx, chunk, handle)
	if err != nil {
		if ctx.Err() != nil {
			return models.ChunkOutcome{}, err
		}
		if c.cfg.Policy != PolicyPartial {
			c.metrics.RecordChunkOutcome(outcomeFailed)
			return models.ChunkOutcome{}, err
		}
		c.metrics.RecordChunkOutcome(outcomeDemoted)
		logger.Warn().Err(err).Msg("Chunk failed, recording empty result")
		return models.ChunkOutcome{Result: models.NewTranscriptionResult(nil), Error: err.Error()}, nil
	}
	if len(res.Alternatives) == 0 {
		c.metrics.RecordChunkOutcome(outcomeEmpty)
	} else {
		c.metrics.RecordChunkOutcome(outcomeSuccess)
	}
	return models.ChunkOutcome{Result: res}, nil
}

func (c *Coordinator) record(ctx context.Context, logger zerolog.Logger, id string, index int, outcome models.ChunkOutcome) error {
	var duplicate, finished bool
	st, err := c.store.Update(context.WithoutCancel(ctx), id, func(st *models.JobState) error {
		duplicate, finished = false, false
		if !st.Record(index, outcome) {
			duplicate = true
			return store.ErrSkip
		}
		if !st.AllRecorded() {
			return nil
		}
		finished = true
		results, err := Reduce(st.Completed, st.ChunkCount, c.cfg.Policy)
		if err != nil {
			return st.Fail(err.Error(), c.now())
		}
		return st.Finish(results, c.now())
	})
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Msg("Job expired before chunk was recorded")
		return nil
	}
	if err != nil {
		return taskError(st, err)
	}
	if duplicate {
		c.metrics.RecordDuplicate(models.TaskASR)
		return nil
	}
	if finished {
		return taskError(st, c.finished(ctx, st))
	}
	return nil
}

// fail marks the job FAILED with cause. When the transition happens and
// notify is set, the completion notification is dispatched.
func (c *Coordinator) fail(ctx context.Context, id string, cause error, notify bool) (*models.JobState, error) {
	failed := false
	wasRunning := false
	st, err := c.store.Update(context.WithoutCancel(ctx), id, func(st *models.JobState) error {
		failed = false
		wasRunning = st.Status == models.StatusRunning
		if st.Status.IsTerminal() {
			return store.ErrSkip
		}
		if err := st.Fail(cause.Error(), c.now()); err != nil {
			return err
		}
		failed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !failed {
		return st, nil
	}

	logger := logging.WithJob("coordinator", id)
	logger.Error().Err(cause).Msg("Job failed")
	c.metrics.RecordJobFinished(string(models.StatusFailed), wasRunning, st.UpdatedAt.Sub(st.CreatedAt).Seconds())
	if notify {
		if err := c.notify(ctx, st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// finished records metrics for a job that just reached a terminal state and
// dispatches its completion notification.
func (c *Coordinator) finished(ctx context.Context, st *models.JobState) error {
	logger := logging.WithJob("coordinator", st.OperationName)
	if st.Status == models.StatusFailed {
		logger.Error().Str("error", st.Error).Msg("Job failed")
	} else {
		logger.Info().Int("chunks", len(st.Results)).Msg("Job done")
	}
	c.metrics.RecordJobFinished(string(st.Status), true, st.UpdatedAt.Sub(st.CreatedAt).Seconds())
	return c.notify(ctx, st)
}

func (c *Coordinator) notify(ctx context.Context, st *models.JobState) error {
	task, err := queue.NewTask(models.TaskComplete, st.OperationName, st.Response())
	if err != nil {
		return err
	}
	if err := c.broker.Publish(context.WithoutCancel(ctx), task); err != nil {
		return fmt.Errorf("dispatch completion of %s: %w", st.OperationName, err)
	}
	return nil
}

// HandleComplete consumes a completion notification and fans it out to the
// registered listeners.
func (c *Coordinator) HandleComplete(ctx context.Context, task queue.Task) error {
	var resp models.CompleteTask
	if err := task.Decode(&resp); err != nil {
		return queue.Permanent(err)
	}

	logger := logging.WithJob("coordinator", resp.OperationName)
	ev := logger.Info().Int("results", len(resp.Results))
	if resp.Error != nil {
		ev = ev.Str("error", *resp.Error)
	}
	ev.Msg("Job completion received")

	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, resp)
	}
	return nil
}

// Run executes a job synchronously on the calling goroutine: segmentation
// followed by in-order transcription of every chunk. A named job is created
// in the store first, so a name already in use returns store.ErrExists and
// leaves the existing job alone. Job failures are reported in the response;
// the error return is reserved for jobs that could not be created.
func (c *Coordinator) Run(ctx context.Context, req models.JobRequest) (models.Response, error) {
	id := req.OperationName
	logger := logging.WithJob("coordinator", id)
	st := models.NewJobState(req, c.now())

	if id != "" {
		if err := c.store.Create(ctx, id, st, c.cfg.JobTTL); err != nil {
			err = fmt.Errorf("create job %s: %w", id, err)
			return models.NewResponse(id, nil, err.Error()), err
		}
	}
	c.metrics.RecordJobSubmitted("sync")

	persist := func() {
		if id == "" {
			return
		}
		if err := c.store.Put(context.WithoutCancel(ctx), id, st, c.cfg.JobTTL); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist job state")
		}
	}
	failWith := func(err error) (models.Response, error) {
		wasRunning := st.Status == models.StatusRunning
		if ferr := st.Fail(err.Error(), c.now()); ferr == nil {
			c.metrics.RecordJobFinished(string(models.StatusFailed), wasRunning, st.UpdatedAt.Sub(st.CreatedAt).Seconds())
		}
		logger.Error().Err(err).Msg("Job failed")
		persist()
		return st.Response(), nil
	}

	if req.AudioURI == "" {
		return failWith(fmt.Errorf("%w: audio_uri is required", ErrInvalidRequest))
	}
	modelCfg, err := c.lookup(req.Config.LanguageCode)
	if err != nil {
		return failWith(err)
	}

	chunks, err := c.segmenter.Segment(ctx, id, req.AudioURI, req.Config, c.cfg.ChunkDuration)
	if err != nil {
		var segErr *models.SegmentationError
		if errors.As(err, &segErr) {
			c.metrics.RecordSegmentationError(segErr.Reason)
		}
		return failWith(err)
	}
	c.metrics.RecordSegmented(len(chunks), audioSeconds(chunks))

	if err := st.Start(len(chunks), c.now()); err != nil {
		return failWith(err)
	}
	c.metrics.RecordJobStarted()
	persist()

	handle, err := c.cache.Get(ctx, req.Config.LanguageCode, modelCfg)
	if err != nil {
		return failWith(err)
	}

	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return failWith(fmt.Errorf("cancelled at chunk %d: %w", ch.Index, err))
		}
		outcome, err := c.transcribe(ctx, logger, ch, handle)
		if err != nil {
			return failWith(err)
		}
		st.Record(ch.Index, outcome)
	}

	results, err := Reduce(st.Completed, st.ChunkCount, c.cfg.Policy)
	if err != nil {
		return failWith(err)
	}
	if err := st.Finish(results, c.now()); err != nil {
		return failWith(err)
	}
	c.metrics.RecordJobFinished(string(models.StatusDone), true, st.UpdatedAt.Sub(st.CreatedAt).Seconds())
	logger.Info().Int("chunks", len(results)).Msg("Job done")
	persist()
	return st.Response(), nil
}

func audioSeconds(chunks []models.Chunk) float64 {
	var d time.Duration
	for _, ch := range chunks {
		d += ch.Duration
	}
	return d.Seconds()
}
