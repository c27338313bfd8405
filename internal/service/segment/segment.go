// Package segment splits source audio into bounded, ordered chunks.
package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"kaldi-serve/internal/models"
)

// Supported PCM layout.
const (
	supportedChannels      = 1
	supportedBitsPerSample = 16
	encodingLinear16       = "LINEAR16"
)

// Limits bounds the audio accepted for one job.
type Limits struct {
	MaxAudioBytes int64         // Max PCM bytes per job
	MaxDuration   time.Duration // Max audio duration per job
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 512 * 1024 * 1024, // ~9 hours at 8kHz 16-bit mono
		MaxDuration:   4 * time.Hour,
	}
}

// Segmenter reads job audio from a Source and splits it into chunks.
type Segmenter struct {
	source      Source
	limits      Limits
	defaultRate int
}

// New creates a Segmenter. defaultRate is the expected frame rate when a job
// does not declare sample_rate_hertz.
func New(source Source, limits Limits, defaultRate int) *Segmenter {
	return &Segmenter{source: source, limits: limits, defaultRate: defaultRate}
}

// Segment reads the audio behind audioURI, validates it against cfg and
// splits it into windows of chunkDuration.
func (s *Segmenter) Segment(ctx context.Context, jobID, audioURI string, cfg models.RecognitionConfig, chunkDuration time.Duration) ([]models.Chunk, error) {
	if enc := strings.ToUpper(cfg.Encoding); enc != "" && enc != encodingLinear16 {
		return nil, &models.SegmentationError{
			Reason: models.ReasonUnsupportedFormat,
			Err:    fmt.Errorf("encoding %q is not supported", cfg.Encoding),
		}
	}

	rc, err := s.source.Open(ctx, audioURI)
	if err != nil {
		return nil, &models.SegmentationError{Reason: models.ReasonUnreadable, Err: err}
	}
	defer rc.Close()

	var r io.Reader = rc
	var lr *io.LimitedReader
	if s.limits.MaxAudioBytes > 0 {
		lr = &io.LimitedReader{R: rc, N: s.limits.MaxAudioBytes + wavHeaderSize + 1}
		r = lr
	}

	format, pcm, err := ReadWAV(r)
	if err != nil {
		if lr != nil && lr.N <= 0 {
			return nil, &models.SegmentationError{Reason: models.ReasonTooLarge, Err: fmt.Errorf("audio exceeds %d bytes", s.limits.MaxAudioBytes)}
		}
		if errors.Is(err, errEmpty) {
			return nil, &models.SegmentationError{Reason: models.ReasonEmptyAudio, Err: err}
		}
		if errors.Is(err, errNotPCM) {
			return nil, &models.SegmentationError{Reason: models.ReasonUnsupportedFormat, Err: err}
		}
		return nil, &models.SegmentationError{Reason: models.ReasonUnreadable, Err: err}
	}
	if s.limits.MaxAudioBytes > 0 && int64(len(pcm)) > s.limits.MaxAudioBytes {
		return nil, &models.SegmentationError{Reason: models.ReasonTooLarge, Err: fmt.Errorf("audio exceeds %d bytes", s.limits.MaxAudioBytes)}
	}

	expectedRate := int(cfg.SampleRateHertz)
	if expectedRate == 0 {
		expectedRate = s.defaultRate
	}
	if err := validateFormat(format, expectedRate); err != nil {
		return nil, &models.SegmentationError{Reason: models.ReasonUnsupportedFormat, Err: err}
	}

	chunks, err := Split(jobID, format, pcm, chunkDuration)
	if err != nil {
		return nil, err
	}

	if s.limits.MaxDuration > 0 {
		last := chunks[len(chunks)-1]
		if total := last.Offset + last.Duration; total > s.limits.MaxDuration {
			return nil, &models.SegmentationError{Reason: models.ReasonTooLarge, Err: fmt.Errorf("audio duration %v exceeds %v", total, s.limits.MaxDuration)}
		}
	}
	return chunks, nil
}

func validateFormat(f Format, expectedRate int) error {
	if f.Channels != supportedChannels {
		return fmt.Errorf("expected %d channel(s), got %d", supportedChannels, f.Channels)
	}
	if f.BitsPerSample != supportedBitsPerSample {
		return fmt.Errorf("expected %d-bit samples, got %d", supportedBitsPerSample, f.BitsPerSample)
	}
	if expectedRate > 0 && f.SampleRate != expectedRate {
		return fmt.Errorf("expected frame rate %d, got %d", expectedRate, f.SampleRate)
	}
	return nil
}

// Split cuts PCM data into consecutive windows of chunkDuration. The last
// window may be shorter; audio no longer than chunkDuration yields one chunk.
func Split(jobID string, f Format, pcm []byte, chunkDuration time.Duration) ([]models.Chunk, error) {
	if f.SampleRate <= 0 || f.BlockAlign() <= 0 {
		return nil, &models.SegmentationError{Reason: models.ReasonUnsupportedFormat, Err: errors.New("invalid PCM format")}
	}
	block := f.BlockAlign()
	if rem := len(pcm) % block; rem != 0 {
		return nil, &models.SegmentationError{
			Reason: models.ReasonPartialFrame,
			Err:    fmt.Errorf("%d trailing bytes do not form a %d-byte frame", rem, block),
		}
	}
	frames := len(pcm) / block
	if frames == 0 {
		return nil, &models.SegmentationError{Reason: models.ReasonEmptyAudio}
	}

	perChunk := int(int64(chunkDuration) * int64(f.SampleRate) / int64(time.Second))
	if perChunk < 1 {
		return nil, fmt.Errorf("chunk duration %v is shorter than one frame at %d Hz", chunkDuration, f.SampleRate)
	}

	n := (frames + perChunk - 1) / perChunk
	chunks := make([]models.Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * perChunk
		end := start + perChunk
		if end > frames {
			end = frames
		}
		chunks = append(chunks, models.Chunk{
			JobID:    jobID,
			Index:    i,
			Audio:    EncodeWAV(f, pcm[start*block:end*block]),
			Offset:   FramesDuration(start, f.SampleRate),
			Duration: FramesDuration(end-start, f.SampleRate),
			Frames:   end - start,
		})
	}
	return chunks, nil
}

// FramesDuration converts a frame count at rate Hz into a duration.
func FramesDuration(frames, rate int) time.Duration {
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}
