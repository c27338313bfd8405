// Package schema validates job requests at the service boundary.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"kaldi-serve/internal/models"
)

// operationNamePattern restricts operation names to characters safe in keys and URL paths.
var operationNamePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

var supportedEncodings = map[string]bool{
	"":         true,
	"LINEAR16": true,
}

// FieldError reports one invalid request field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validator checks the shape of job requests. Whether a language is
// configured is decided by the pipeline, so unknown languages pass here.
type Validator struct {
	requireOperationName bool
}

// New creates a Validator. requireOperationName rejects requests without
// an operation name, which asynchronous jobs need to be polled.
func New(requireOperationName bool) *Validator {
	return &Validator{requireOperationName: requireOperationName}
}

// Validate returns every field error in req joined into one error.
func (v *Validator) Validate(req models.JobRequest) error {
	var errs []error

	switch {
	case req.OperationName == "" && v.requireOperationName:
		errs = append(errs, &FieldError{"operation_name", "is required"})
	case req.OperationName != "" && !operationNamePattern.MatchString(req.OperationName):
		errs = append(errs, &FieldError{"operation_name", "must be 1-128 characters of [A-Za-z0-9._:-]"})
	}

	if strings.TrimSpace(req.AudioURI) == "" {
		errs = append(errs, &FieldError{"audio_uri", "is required"})
	}
	if req.Config.LanguageCode == "" {
		errs = append(errs, &FieldError{"config.language_code", "is required"})
	}
	if req.Config.SampleRateHertz < 0 {
		errs = append(errs, &FieldError{"config.sample_rate_hertz", "must not be negative"})
	}
	if !supportedEncodings[strings.ToUpper(req.Config.Encoding)] {
		errs = append(errs, &FieldError{"config.encoding", fmt.Sprintf("%q is not supported", req.Config.Encoding)})
	}

	return errors.Join(errs...)
}
