package workflows

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when the request is invalid
	ErrInvalidRequest = errors.New("invalid workflow request")
)

// Processing stages of one source object
const (
	StageDownload = "download"
	StageDetect   = "detect"
	StagePersist  = "persist"
	StageUpload   = "upload"
)

// StageError tags a per-object failure with the key and the stage it happened in
type StageError struct {
	Key   string
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Key, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage recorded in err, or "unknown"
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "unknown"
}
