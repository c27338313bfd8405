// Package queue carries pipeline tasks between process roles.
//
// Delivery is at least once. Consumers acknowledge a task after handling it
// and must tolerate seeing the same task again. A task whose handler fails
// transiently is negatively acknowledged and comes back with Attempt raised.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kaldi-serve/internal/models"
)

// Queue names.
const (
	QueueASR        = "asr"
	QueuePreprocess = "preprocess"
)

// Routes maps each task type to the queue that carries it.
var Routes = map[string]string{
	models.TaskASR:        QueueASR,
	models.TaskPreprocess: QueuePreprocess,
	models.TaskComplete:   QueuePreprocess,
}

// ErrUnroutable is returned for task types with no route.
var ErrUnroutable = errors.New("no route for task type")

// ErrClosed is returned by a closed broker.
var ErrClosed = errors.New("broker closed")

// ErrPermanent marks a handler error that redelivery cannot fix.
var ErrPermanent = errors.New("permanent task failure")

// Permanent wraps err so the pool acknowledges the task instead of
// redelivering it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// QueueFor returns the queue for taskType.
func QueueFor(taskType string) (string, error) {
	q, ok := Routes[taskType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnroutable, taskType)
	}
	return q, nil
}

// Task is one unit of work on a queue.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`

	// Attempt counts earlier deliveries that ended in a transient failure.
	Attempt int `json:"attempt,omitempty"`
}

// NewTask encodes payload into a task of taskType. key groups related tasks,
// normally the operation name.
func NewTask(taskType, key string, payload any) (Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	return Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Key:       key,
		Payload:   b,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// Delivery is a task handed to a consumer.
type Delivery struct {
	Task Task
	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack marks the delivery handled.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack hands the task back to the broker for another attempt. The
// redelivered task carries Attempt+1.
func (d Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Broker publishes tasks to their routed queue and streams queue contents
// to consumers.
type Broker interface {
	// Publish sends t to the queue routed for t.Type.
	Publish(ctx context.Context, t Task) error

	// Consume streams deliveries from queue until ctx ends. Several
	// consumers of one queue compete for its tasks.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	Close() error
}
