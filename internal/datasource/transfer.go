package datasource

import (
	"io"
	"sync"
)

// transferReader reports reads to a TransferListener. OnTransferEnd fires once,
// on the first Close.
type transferReader struct {
	io.ReadCloser
	spec      DataSpec
	listener  TransferListener
	closeOnce sync.Once
}

func withListener(rc io.ReadCloser, spec DataSpec, listener TransferListener) io.ReadCloser {
	if listener == nil {
		return rc
	}

	listener.OnTransferStart(spec)

	return &transferReader{ReadCloser: rc, spec: spec, listener: listener}
}

func (r *transferReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.listener.OnBytesTransferred(r.spec, n)
	}

	return n, err
}

func (r *transferReader) Close() error {
	err := r.ReadCloser.Close()

	r.closeOnce.Do(func() { r.listener.OnTransferEnd(r.spec) })

	return err
}

// ProgressListener is a TransferListener that calls OnProgress every
// ReportInterval bytes and once more when the transfer ends.
type ProgressListener struct {
	ReportInterval int64
	OnProgress     func(spec DataSpec, transferred int64, done bool)

	mu         sync.Mutex
	total      int64
	lastReport int64
}

func NewProgressListener(interval int64, cb func(spec DataSpec, transferred int64, done bool)) *ProgressListener {
	return &ProgressListener{ReportInterval: interval, OnProgress: cb}
}

func (l *ProgressListener) OnTransferStart(DataSpec) {}

func (l *ProgressListener) OnBytesTransferred(spec DataSpec, n int) {
	l.mu.Lock()
	l.total += int64(n)
	l.lastReport += int64(n)

	report := l.lastReport >= l.ReportInterval
	if report {
		l.lastReport = 0
	}

	total := l.total
	l.mu.Unlock()

	if report {
		l.OnProgress(spec, total, false)
	}
}

func (l *ProgressListener) OnTransferEnd(spec DataSpec) {
	l.OnProgress(spec, l.Transferred(), true)
}

// Transferred returns the bytes seen so far across all transfers.
func (l *ProgressListener) Transferred() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.total
}
