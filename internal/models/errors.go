package models

import "fmt"

// Segmentation failure reasons.
const (
	ReasonUnsupportedFormat = "unsupported-format"
	ReasonEmptyAudio        = "empty-audio"
	ReasonPartialFrame      = "partial-frame"
	ReasonUnreadable        = "unreadable"
	ReasonTooLarge          = "too-large"
)

// ConfigError reports an unknown language code or missing model configuration.
type ConfigError struct {
	Language string
	Detail   string
}

func (e *ConfigError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("config error: language %q: %s", e.Language, e.Detail)
	}
	return fmt.Sprintf("config error: language %q is not configured", e.Language)
}

// SegmentationError reports audio that is unreadable, empty or in the wrong format.
type SegmentationError struct {
	Reason string
	Err    error
}

func (e *SegmentationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("segmentation error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("segmentation error (%s)", e.Reason)
}

func (e *SegmentationError) Unwrap() error { return e.Err }

// ModelInitError reports a failed decoder handle construction.
type ModelInitError struct {
	Language string
	Err      error
}

func (e *ModelInitError) Error() string {
	return fmt.Sprintf("model init error: language %q: %v", e.Language, e.Err)
}

func (e *ModelInitError) Unwrap() error { return e.Err }

// InferenceError reports a failed decoding of one chunk.
type InferenceError struct {
	JobID string
	Index int
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference error: job %q chunk %d: %v", e.JobID, e.Index, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
