package jobdoc

import (
	"strconv"

	"github.com/pkg/errors"
)

// Error is a job document parse or job acceptance failure. The numeric value is
// reported to the job service as the sub reason of a failed job.
type Error int32

// Document parse errors.
const (
	ErrOutOfMemory Error = iota + 1 // more tokens than MaxTokens
	ErrFieldTypeMismatch
	ErrBase64Decode
	ErrInvalidNumChar
	ErrDuplicatesNotAllowed
	ErrMalformedDoc
	ErrNoTokens
	ErrTooManyParams
	ErrFieldTooLarge
)

// Job acceptance errors.
const (
	ErrBusyWithExistingJob Error = iota + 0x20
	ErrNullJob
	ErrBusyWithSameJob
	ErrZeroFileSize
	ErrNonConformingJobDoc
	ErrNoContextAvailable
)

var errorNames = map[Error]string{
	ErrOutOfMemory:          "out of memory",
	ErrFieldTypeMismatch:    "field type mismatch",
	ErrBase64Decode:         "base64 decode failed",
	ErrInvalidNumChar:       "invalid number",
	ErrDuplicatesNotAllowed: "duplicate key",
	ErrMalformedDoc:         "malformed document",
	ErrNoTokens:             "no tokens",
	ErrTooManyParams:        "too many model parameters",
	ErrFieldTooLarge:        "field too large",
	ErrBusyWithExistingJob:  "busy with existing job",
	ErrNullJob:              "null job",
	ErrBusyWithSameJob:      "busy with same job",
	ErrZeroFileSize:         "zero file size",
	ErrNonConformingJobDoc:  "non conforming job document",
	ErrNoContextAvailable:   "no context available",
}

func (e Error) Error() string {
	if s, ok := errorNames[e]; ok {
		return "jobdoc: " + s
	}
	return "jobdoc: error " + strconv.Itoa(int(e))
}

// Code extracts the Error behind err, or 0 if err has none.
func Code(err error) Error {
	if e, ok := errors.Cause(err).(Error); ok {
		return e
	}
	return 0
}
