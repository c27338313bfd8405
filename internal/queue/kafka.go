package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"kaldi-serve/internal/observability/metrics"
)

// Message headers.
const (
	headerTaskType  = "taskType"
	headerTaskID    = "taskId"
	headerPrincipal = "principal"
	headerAttempt   = "attempt"
)

// KafkaConfig holds Kafka broker configuration.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	GroupID     string
	Principal   string
}

// Kafka is a Broker with one topic per queue. Tasks are keyed by operation
// name, so the chunks of one job share a partition. Consumers in the same
// group share a queue. A partition's offset is committed only once every
// message up to it has been acked or nacked; a nack republishes the task
// before its offset is released.
type Kafka struct {
	cfg       KafkaConfig
	transport *kafka.Transport
	dialer    *kafka.Dialer
	metrics   *metrics.Metrics

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	closed  bool
}

// NewKafka creates a Kafka broker. Writers and readers connect lazily.
func NewKafka(cfg KafkaConfig, m *metrics.Metrics) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka: consumer group id is required")
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}

	// Longer timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPrefix", cfg.TopicPrefix).
		Str("groupId", cfg.GroupID).
		Str("principal", cfg.Principal).
		Msg("Kafka broker initialized")

	return &Kafka{
		cfg:       cfg,
		transport: &kafka.Transport{Dial: dialer.DialFunc},
		dialer:    dialer,
		metrics:   m,
		writers:   make(map[string]*kafka.Writer),
	}, nil
}

// Topic returns the Kafka topic backing queue.
func (k *Kafka) Topic(queue string) string {
	return k.cfg.TopicPrefix + queue
}

func (k *Kafka) writer(queue string) (*kafka.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	w, ok := k.writers[queue]
	if !ok {
		w = &kafka.Writer{
			Addr:         kafka.TCP(k.cfg.Brokers...),
			Topic:        k.Topic(queue),
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    k.transport,
		}
		k.writers[queue] = w
	}
	return w, nil
}

// Publish implements Broker.
func (k *Kafka) Publish(ctx context.Context, t Task) error {
	start := time.Now()
	queue, err := QueueFor(t.Type)
	if err != nil {
		return err
	}

	w, err := k.writer(queue)
	if err != nil {
		return err
	}

	log.Debug().
		Str("principal", k.cfg.Principal).
		Str("topic", w.Topic).
		Str("key", t.Key).
		Str("taskType", t.Type).
		Str("taskId", t.ID).
		Msg("Publishing task")

	if err := w.WriteMessages(ctx, toMessage(t, k.cfg.Principal)); err != nil {
		log.Error().
			Err(err).
			Str("topic", w.Topic).
			Str("key", t.Key).
			Msg("Failed to write to Kafka")
		k.metrics.RecordPublish(queue, t.Type, err, time.Since(start).Seconds())
		return err
	}

	k.metrics.RecordPublish(queue, t.Type, nil, time.Since(start).Seconds())
	return nil
}

// Consume implements Broker.
func (k *Kafka) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrClosed
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		GroupID:  k.cfg.GroupID,
		Topic:    k.Topic(queue),
		Dialer:   k.dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	k.readers = append(k.readers, r)
	k.mu.Unlock()

	tr := newOffsetTracker()
	commit := func(ctx context.Context, m kafka.Message) error {
		return r.CommitMessages(ctx, m)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m, err := r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					log.Error().Err(err).Str("topic", r.Config().Topic).Msg("Kafka fetch failed")
				}
				return
			}
			gen := tr.fetched(m)

			t, err := fromMessage(m)
			if err != nil {
				log.Error().
					Err(err).
					Str("topic", m.Topic).
					Int64("offset", m.Offset).
					Msg("Dropping undecodable task")
				if err := tr.complete(ctx, m, gen, commit); err != nil {
					log.Error().Err(err).Str("topic", m.Topic).Msg("Kafka commit failed")
				}
				continue
			}

			msg := m
			d := Delivery{
				Task: t,
				ack: func(ctx context.Context) error {
					return tr.complete(ctx, msg, gen, commit)
				},
				nack: func(ctx context.Context) error {
					retry := t
					retry.Attempt++
					if err := k.Publish(ctx, retry); err != nil {
						// The offset stays uncommitted, so the task returns
						// after the next rebalance or restart.
						return fmt.Errorf("republish task %s: %w", t.ID, err)
					}
					return tr.complete(ctx, msg, gen, commit)
				},
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// offsetTracker orders commits for one reader. Workers finish messages out of
// fetch order, and a partition's offset only advances past a contiguous run
// of finished messages.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets

	commitMu  sync.Mutex
	committed map[int]int64
}

type partitionOffsets struct {
	gen      int
	inflight []kafka.Message
	done     map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		partitions: make(map[int]*partitionOffsets),
		committed:  make(map[int]int64),
	}
}

// fetched registers m and returns the generation it belongs to.
func (o *offsetTracker) fetched(m kafka.Message) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.partitions[m.Partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]bool)}
		o.partitions[m.Partition] = p
	} else if n := len(p.inflight); n > 0 && m.Offset <= p.inflight[n-1].Offset {
		// The reader rewound after a rebalance; everything in flight will
		// be fetched again.
		p.gen++
		p.inflight = nil
		p.done = make(map[int64]bool)
	}
	p.inflight = append(p.inflight, m)
	return p.gen
}

// finished marks m done and returns the last message of the contiguous
// finished prefix, if the prefix grew.
func (o *offsetTracker) finished(m kafka.Message, gen int) (kafka.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.partitions[m.Partition]
	if !ok || p.gen != gen {
		return kafka.Message{}, false
	}
	p.done[m.Offset] = true

	var last kafka.Message
	advanced := false
	for len(p.inflight) > 0 && p.done[p.inflight[0].Offset] {
		last = p.inflight[0]
		delete(p.done, last.Offset)
		p.inflight = p.inflight[1:]
		advanced = true
	}
	return last, advanced
}

// complete marks m done and commits the partition's new high-water mark.
// Commits never move a partition's offset backwards.
func (o *offsetTracker) complete(ctx context.Context, m kafka.Message, gen int, commit func(context.Context, kafka.Message) error) error {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	next, ok := o.finished(m, gen)
	if !ok {
		return nil
	}
	if c, seen := o.committed[next.Partition]; seen && next.Offset <= c {
		return nil
	}
	if err := commit(ctx, next); err != nil {
		return err
	}
	o.committed[next.Partition] = next.Offset
	return nil
}

// Close closes every writer and reader.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	var err error
	for queue, w := range k.writers {
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("queue", queue).Msg("Error closing writer")
			err = e
		}
	}
	for _, r := range k.readers {
		if e := r.Close(); e != nil {
			log.Error().Err(e).Str("topic", r.Config().Topic).Msg("Error closing reader")
			err = e
		}
	}
	return err
}

func toMessage(t Task, principal string) kafka.Message {
	return kafka.Message{
		Key:   []byte(t.Key),
		Value: t.Payload,
		Time:  t.CreatedAt,
		Headers: []kafka.Header{
			{Key: headerTaskType, Value: []byte(t.Type)},
			{Key: headerTaskID, Value: []byte(t.ID)},
			{Key: headerPrincipal, Value: []byte(principal)},
			{Key: headerAttempt, Value: []byte(strconv.Itoa(t.Attempt))},
		},
	}
}

func fromMessage(m kafka.Message) (Task, error) {
	t := Task{Key: string(m.Key), Payload: m.Value, CreatedAt: m.Time}
	for _, h := range m.Headers {
		switch h.Key {
		case headerTaskType:
			t.Type = string(h.Value)
		case headerTaskID:
			t.ID = string(h.Value)
		case headerAttempt:
			n, err := strconv.Atoi(string(h.Value))
			if err != nil {
				return Task{}, fmt.Errorf("message at offset %d has a bad %s header: %w", m.Offset, headerAttempt, err)
			}
			t.Attempt = n
		}
	}
	if t.Type == "" {
		return Task{}, fmt.Errorf("message at offset %d has no %s header", m.Offset, headerTaskType)
	}
	return t, nil
}
