package datasource

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultConnectTimeout = 8 * time.Second
	DefaultReadTimeout    = 8 * time.Second
)

// DefaultHTTPClient returns a traced client with connect and response header
// timeouts but no overall deadline, so long downloads are not cut off.
func DefaultHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: DefaultConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = DefaultReadTimeout

	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

// HTTPFactory creates HTTP data sources sharing one user agent, client and listener.
type HTTPFactory struct {
	userAgent         string
	listener          TransferListener
	client            *http.Client
	requestProperties map[string]string
}

type HTTPOption func(*HTTPFactory)

// WithHTTPClient replaces DefaultHTTPClient.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFactory) { f.client = c }
}

// WithRequestProperty adds a header sent with every request.
func WithRequestProperty(name, value string) HTTPOption {
	return func(f *HTTPFactory) { f.requestProperties[name] = value }
}

// NewHTTPFactory returns a factory for sources identifying as userAgent.
// listener may be nil.
func NewHTTPFactory(userAgent string, listener TransferListener, opts ...HTTPOption) *HTTPFactory {
	f := &HTTPFactory{
		userAgent:         userAgent,
		listener:          listener,
		requestProperties: map[string]string{},
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.client == nil {
		f.client = DefaultHTTPClient()
	}

	return f
}

func (f *HTTPFactory) UserAgent() string { return f.userAgent }

func (f *HTTPFactory) CreateDataSource() DataSource {
	return f.CreateHTTPDataSource()
}

func (f *HTTPFactory) CreateHTTPDataSource() *HTTPDataSource {
	return &HTTPDataSource{factory: f}
}

// HTTPDataSource reads a byte range of an HTTP(S) resource.
type HTTPDataSource struct {
	factory *HTTPFactory
}

func (s *HTTPDataSource) Open(ctx context.Context, spec DataSpec) (io.ReadCloser, error) {
	f := s.factory

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)

	for name, value := range f.requestProperties {
		req.Header.Set(name, value)
	}

	if rangeHeader := buildRangeHeader(spec); rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()

		return nil, &HTTPError{URI: spec.URI, StatusCode: resp.StatusCode}
	}

	body := resp.Body

	// Servers may ignore the Range header and send the whole resource.
	if resp.StatusCode == http.StatusOK && spec.Position > 0 {
		if _, err := io.CopyN(io.Discard, body, spec.Position); err != nil {
			body.Close()

			return nil, fmt.Errorf("failed to skip to position %d: %w", spec.Position, err)
		}
	}

	var rc io.ReadCloser = body
	if resp.StatusCode == http.StatusOK && spec.Length != LengthUnset {
		rc = limitReadCloser(body, spec.Length)
	}

	return withListener(rc, spec, f.listener), nil
}

func buildRangeHeader(spec DataSpec) string {
	switch {
	case spec.Position == 0 && spec.Length == LengthUnset:
		return ""
	case spec.Length == LengthUnset:
		return "bytes=" + strconv.FormatInt(spec.Position, 10) + "-"
	default:
		return "bytes=" + strconv.FormatInt(spec.Position, 10) + "-" + strconv.FormatInt(spec.Position+spec.Length-1, 10)
	}
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

func limitReadCloser(rc io.ReadCloser, n int64) io.ReadCloser {
	return limitedReadCloser{Reader: io.LimitReader(rc, n), Closer: rc}
}
