package datasource

import "fmt"

// HTTPError is returned when an HTTP source answers with a non-success status.
type HTTPError struct {
	URI        string // Requested resource
	StatusCode int    // HTTP status code
	Err        error  // Underlying error, if any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http source %s answered with HTTP %d", e.URI, e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// CacheReadError reports a failed read from the content cache. It only reaches
// callers of a CacheFactory built without FlagIgnoreCacheOnError.
type CacheReadError struct {
	Key string // Cache key being read
	Err error  // Underlying error, if any
}

func (e *CacheReadError) Error() string {
	return fmt.Sprintf("cache read failed for %s: %v", e.Key, e.Err)
}

func (e *CacheReadError) Unwrap() error {
	return e.Err
}

// UnsupportedSchemeError is returned when no source handles a URI scheme.
type UnsupportedSchemeError struct {
	URI    string
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported scheme %q in %s", e.Scheme, e.URI)
}
