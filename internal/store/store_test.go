package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"kaldi-serve/internal/models"
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T, ttl time.Duration) map[string]harness {
	t.Helper()

	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := NewMemory(ttl)
	mem.SetClock(c.Now)

	mr := miniredis.RunT(t)
	rdb := NewRedis(RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:job:", TTL: ttl}, nil)
	t.Cleanup(func() { rdb.Close() })

	return map[string]harness{
		"memory": {store: mem, advance: c.Advance},
		"redis":  {store: rdb, advance: mr.FastForward},
	}
}

func newJob(id string) *models.JobState {
	return models.NewJobState(models.JobRequest{
		OperationName: id,
		AudioURI:      "file:///audio/a.wav",
		Config:        models.RecognitionConfig{LanguageCode: "en"},
	}, time.Now())
}

func TestStore_PutGet(t *testing.T) {
	for name, h := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := h.store.Put(ctx, "op1", newJob("op1"), 0); err != nil {
				t.Fatalf("Put: %v", err)
			}

			st, err := h.store.Get(ctx, "op1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if st.Status != models.StatusPending || st.Config.LanguageCode != "en" {
				t.Errorf("unexpected state %+v", st)
			}

			if _, err := h.store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_Create(t *testing.T) {
	for name, h := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := h.store.Create(ctx, "op1", newJob("op1"), 0); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := h.store.Create(ctx, "op1", newJob("op1"), 0); !errors.Is(err, ErrExists) {
				t.Errorf("expected ErrExists, got %v", err)
			}

			h.advance(61 * time.Minute)
			if err := h.store.Create(ctx, "op1", newJob("op1"), 0); err != nil {
				t.Errorf("expected create over expired record, got %v", err)
			}
		})
	}
}

func TestStore_Expiry(t *testing.T) {
	for name, h := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h.store.Put(ctx, "op1", newJob("op1"), 0)

			h.advance(59 * time.Minute)
			if _, err := h.store.Get(ctx, "op1"); err != nil {
				t.Fatalf("expected record before expiry, got %v", err)
			}

			h.advance(2 * time.Minute)
			if _, err := h.store.Get(ctx, "op1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after expiry, got %v", err)
			}
			if _, err := h.store.Update(ctx, "op1", func(*models.JobState) error { return nil }); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound on update after expiry, got %v", err)
			}
		})
	}
}

func TestStore_UpdateRefreshesExpiry(t *testing.T) {
	for name, h := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h.store.Put(ctx, "op1", newJob("op1"), 0)

			h.advance(50 * time.Minute)
			if _, err := h.store.Update(ctx, "op1", func(st *models.JobState) error {
				return st.Start(3, time.Now())
			}); err != nil {
				t.Fatalf("Update: %v", err)
			}

			h.advance(50 * time.Minute)
			st, err := h.store.Get(ctx, "op1")
			if err != nil {
				t.Fatalf("expected refreshed record, got %v", err)
			}
			if st.Status != models.StatusRunning || st.ChunkCount != 3 {
				t.Errorf("unexpected state %+v", st)
			}
		})
	}
}

func TestStore_UpdateSkipAndError(t *testing.T) {
	for name, h := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h.store.Put(ctx, "op1", newJob("op1"), 0)

			st, err := h.store.Update(ctx, "op1", func(st *models.JobState) error {
				st.Error = "scribbled"
				return ErrSkip
			})
			if err != nil {
				t.Fatalf("expected nil error on skip, got %v", err)
			}
			if st.Error != "" {
				t.Error("skip must return the stored state, not the mutated copy")
			}

			boom := errors.New("boom")
			if _, err := h.store.Update(ctx, "op1", func(st *models.JobState) error {
				st.Error = "scribbled"
				return boom
			}); !errors.Is(err, boom) {
				t.Errorf("expected mutator error, got %v", err)
			}

			got, _ := h.store.Get(ctx, "op1")
			if got.Error != "" {
				t.Errorf("failed update must not be written, got %q", got.Error)
			}
		})
	}
}

func TestStore_ConcurrentUpdatesAreAtomic(t *testing.T) {
	const n = 20
	for name, h := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob("op1")
			job.Start(n, time.Now())
			h.store.Put(ctx, "op1", job, 0)

			var wg sync.WaitGroup
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = h.store.Update(ctx, "op1", func(st *models.JobState) error {
						if !st.Record(i, models.ChunkOutcome{Result: models.NewTranscriptionResult(nil)}) {
							return ErrSkip
						}
						return nil
					})
				}(i)
			}
			wg.Wait()

			for i, err := range errs {
				if err != nil {
					t.Errorf("update %d: %v", i, err)
				}
			}
			st, err := h.store.Get(ctx, "op1")
			if err != nil {
				t.Fatal(err)
			}
			if len(st.Completed) != n || !st.AllRecorded() {
				t.Errorf("expected %d recorded chunks, got %d", n, len(st.Completed))
			}
		})
	}
}

func TestMemory_SnapshotsAreIsolated(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()
	job := newJob("op1")
	m.Put(ctx, "op1", job, 0)

	job.Error = "changed after put"
	got, _ := m.Get(ctx, "op1")
	if got.Error != "" {
		t.Error("store must not alias the caller's state")
	}

	got.Error = "changed after get"
	again, _ := m.Get(ctx, "op1")
	if again.Error != "" {
		t.Error("store must not alias returned state")
	}
}

func TestRedis_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(RedisConfig{Addr: mr.Addr(), KeyPrefix: "kaldi-serve:job:"}, nil)
	defer r.Close()

	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	r.Put(context.Background(), "op1", newJob("op1"), 0)

	if !mr.Exists("kaldi-serve:job:op1") {
		t.Error("expected prefixed key in redis")
	}
	if ttl := mr.TTL("kaldi-serve:job:op1"); ttl != DefaultTTL {
		t.Errorf("expected default ttl %v, got %v", DefaultTTL, ttl)
	}
}

func TestRedis_CorruptRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(RedisConfig{Addr: mr.Addr()}, nil)
	defer r.Close()

	mr.Set("op1", "{not json")
	if _, err := r.Get(context.Background(), "op1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected decode error, got %v", err)
	}
}
