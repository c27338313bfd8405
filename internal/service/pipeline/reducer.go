package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"kaldi-serve/internal/models"
)

// Policy decides how chunk-level failures affect the job.
type Policy string

const (
	// PolicyFailFast fails the whole job on the first chunk failure.
	PolicyFailFast Policy = "fail-fast"
	// PolicyPartial records a failed chunk as having no alternatives.
	PolicyPartial Policy = "partial"
)

// ParsePolicy parses a policy name. The empty string selects fail-fast.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFailFast:
		return PolicyFailFast, nil
	case PolicyPartial:
		return PolicyPartial, nil
	default:
		return "", fmt.Errorf("unknown aggregation policy %q", s)
	}
}

var errIncomplete = errors.New("job results are incomplete")

// Reduce folds the outcomes of chunks 0..n-1 into the job results, in chunk
// order. Every index must be present exactly once. A failed outcome fails
// the job under PolicyFailFast and contributes an empty result under
// PolicyPartial.
func Reduce(outcomes map[int]models.ChunkOutcome, n int, policy Policy) ([]models.TranscriptionResult, error) {
	if n <= 0 || len(outcomes) != n {
		return nil, fmt.Errorf("%w: %d of %d chunks recorded", errIncomplete, len(outcomes), n)
	}

	results := make([]models.TranscriptionResult, n)
	for i := 0; i < n; i++ {
		o, ok := outcomes[i]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d missing", errIncomplete, i)
		}
		if o.Error != "" {
			if policy != PolicyPartial {
				return nil, errors.New(o.Error)
			}
			results[i] = models.NewTranscriptionResult(nil)
			continue
		}
		results[i] = models.NewTranscriptionResult(o.Result.Alternatives)
	}
	return results, nil
}
