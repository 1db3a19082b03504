package sqlite

import (
	"context"
	"time"

	"github.com/italolelis/offline_downloader/internal/storage"
	"github.com/italolelis/offline_downloader/internal/telemetry"
)

// InstrumentedContentIndex wraps a storage.ContentIndex with telemetry.
type InstrumentedContentIndex struct {
	index     storage.ContentIndex
	telemetry *telemetry.Telemetry
}

var _ storage.ContentIndex = (*InstrumentedContentIndex)(nil)

// NewInstrumentedContentIndex creates a new instrumented content index.
func NewInstrumentedContentIndex(index storage.ContentIndex, tel *telemetry.Telemetry) *InstrumentedContentIndex {
	return &InstrumentedContentIndex{
		index:     index,
		telemetry: tel,
	}
}

func (r *InstrumentedContentIndex) Get(ctx context.Context, key string) (storage.ContentRecord, error) {
	var result storage.ContentRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_content", func(ctx context.Context) error {
		var err error

		result, err = r.index.Get(ctx, key)

		return err
	})

	return result, err
}

func (r *InstrumentedContentIndex) Put(ctx context.Context, record storage.ContentRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "put_content", func(ctx context.Context) error {
		return r.index.Put(ctx, record)
	})
}

func (r *InstrumentedContentIndex) Touch(ctx context.Context, key string, at time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "touch_content", func(ctx context.Context) error {
		return r.index.Touch(ctx, key, at)
	})
}

func (r *InstrumentedContentIndex) Remove(ctx context.Context, key string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "remove_content", func(ctx context.Context) error {
		return r.index.Remove(ctx, key)
	})
}

func (r *InstrumentedContentIndex) All(ctx context.Context) ([]storage.ContentRecord, error) {
	var result []storage.ContentRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_contents", func(ctx context.Context) error {
		var err error

		result, err = r.index.All(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedContentIndex) Close() error {
	return r.index.Close()
}
