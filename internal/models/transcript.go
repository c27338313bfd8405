// Package models defines the data structures shared by the transcription pipeline.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Alternative is one recognition hypothesis for a chunk.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// TranscriptionResult holds the n-best alternatives of one chunk, most likely first.
// An empty Alternatives slice means no recognizable speech and is not a failure.
type TranscriptionResult struct {
	Alternatives []Alternative `json:"alternatives"`
}

// NewTranscriptionResult returns a result whose Alternatives is never nil.
func NewTranscriptionResult(alts []Alternative) TranscriptionResult {
	if alts == nil {
		alts = []Alternative{}
	}
	return TranscriptionResult{Alternatives: alts}
}

// SampleRate accepts both "16000" and 16000 on the wire.
type SampleRate int

// UnmarshalJSON decodes a sample rate given as a JSON number or string.
func (r *SampleRate) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*r = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("sample_rate_hertz: %q is not an integer", s)
	}
	if n < 0 {
		return fmt.Errorf("sample_rate_hertz: %d is negative", n)
	}
	*r = SampleRate(n)
	return nil
}

// MarshalJSON encodes the sample rate as a JSON number.
func (r SampleRate) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(r))
}

// RecognitionConfig carries the declared properties of the source audio.
type RecognitionConfig struct {
	LanguageCode    string     `json:"language_code"`
	SampleRateHertz SampleRate `json:"sample_rate_hertz"`
	Encoding        string     `json:"encoding"`
}

// JobRequest is a transcription request as accepted by both pipeline variants.
type JobRequest struct {
	OperationName string            `json:"operation_name"`
	AudioURI      string            `json:"audio_uri"`
	Config        RecognitionConfig `json:"config"`
}

// Response is the synchronous answer and the completion notification body.
// Error is null on success; Results is empty (never null) on failure.
type Response struct {
	OperationName string                `json:"operation_name,omitempty"`
	Results       []TranscriptionResult `json:"results"`
	Error         *string               `json:"error"`
}

// NewResponse builds a Response, normalising nil results and empty errors.
func NewResponse(operationName string, results []TranscriptionResult, errMsg string) Response {
	if results == nil || errMsg != "" {
		results = []TranscriptionResult{}
	}
	resp := Response{OperationName: operationName, Results: results}
	if errMsg != "" {
		resp.Error = &errMsg
	}
	return resp
}

// Chunk is one bounded window of a job's audio, encoded as a standalone WAV file.
type Chunk struct {
	JobID    string        `json:"job_id"`
	Index    int           `json:"index"`
	Audio    []byte        `json:"audio"`
	Offset   time.Duration `json:"offset"`
	Duration time.Duration `json:"duration"`
	Frames   int           `json:"frames"`
}
