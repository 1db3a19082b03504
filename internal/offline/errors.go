package offline

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAction is wrapped by a DecodeError when no deserializer is
	// registered for an action type found in an action file.
	ErrUnknownAction = errors.New("unknown action type")
	// ErrReleased is returned by a Manager that no longer accepts actions.
	ErrReleased = errors.New("download manager released")
	// ErrNotTracked is returned when reading media that is not kept offline.
	ErrNotTracked = errors.New("media is not tracked")
)

// DecodeError represents an action file that could not be read back: malformed
// JSON, an unsupported document version, or an action nobody can deserialize.
type DecodeError struct {
	Path   string // Action file being decoded
	Reason string // Human-readable explanation of the failure
	Err    error  // Underlying error, if any
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode action file %s: %s", e.Path, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DownloadError represents a download task that failed after exhausting its
// retries.
type DownloadError struct {
	URI      string // Media the action refers to
	Attempts int    // Number of attempts made
	Err      error  // Last error seen
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of %s failed after %d attempts: %v", e.URI, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
