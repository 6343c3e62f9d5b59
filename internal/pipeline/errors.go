package pipeline

import (
	"errors"
	"fmt"
)

// Stage names a pipeline step.
type Stage string

const (
	StageConvert       Stage = "convert"
	StageCreateContent Stage = "create_content"
	StageGenerateImage Stage = "generate_image"
	StageUploadMedia   Stage = "upload_media"
	StagePublishPost   Stage = "publish_post"
)

var (
	// ErrNotConfigured marks a missing credential or endpoint. It is never retried.
	ErrNotConfigured = errors.New("not configured")
	// ErrPayloadTooLarge is returned by publishers when the site rejects an upload as too large.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// StageError records the stage at which a run failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage carried by err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that another attempt cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked Permanent or wraps ErrNotConfigured.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe) || errors.Is(err, ErrNotConfigured)
}
