package provider

import "fmt"

// InitError reports the step that failed while building a shared resource.
// Nothing is memoized after a failure, so the next accessor call starts over.
type InitError struct {
	Step string // cache, manager or tracker
	Err  error  // Underlying error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize %s: %v", e.Step, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
