// Package media inspects downloaded content without playing it.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/abema/go-mp4"

	"github.com/italolelis/offline_downloader/internal/cache"
	"github.com/italolelis/offline_downloader/internal/logctx"
)

// ErrNotMP4 is returned for cached content without a movie header.
var ErrNotMP4 = errors.New("content is not an mp4 file")

// Info describes a cached mp4 resource.
type Info struct {
	Key       string        `json:"key"`
	Size      int64         `json:"size"`
	Timescale uint32        `json:"timescale"`
	Duration  time.Duration `json:"duration"`
	Tracks    int           `json:"tracks"`
	// FastStart is set when the movie header precedes the media data, so
	// playback can start before the whole file is read.
	FastStart bool `json:"fast_start"`
}

type SpanLookup interface {
	Lookup(ctx context.Context, key string) (cache.Span, error)
}

// Prober reads mp4 metadata of cached resources.
type Prober struct {
	cache SpanLookup
}

func NewProber(c SpanLookup) *Prober {
	return &Prober{cache: c}
}

// Probe returns the metadata of the resource cached under key.
func (p *Prober) Probe(ctx context.Context, key string) (Info, error) {
	span, err := p.cache.Lookup(ctx, key)
	if err != nil {
		return Info{}, err
	}

	f, err := os.Open(span.File)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open cached content: %w", err)
	}

	defer f.Close()

	info, err := ProbeReader(f)
	if err != nil {
		return Info{}, fmt.Errorf("failed to probe %s: %w", key, err)
	}

	info.Key = key
	info.Size = span.Length

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "probed cached content",
		"key", key, "duration", info.Duration, "tracks", info.Tracks)

	return info, nil
}

// ProbeReader reads the movie header of an mp4 stream.
func ProbeReader(r io.ReadSeeker) (Info, error) {
	mvhd, err := mp4.ExtractBoxWithPayload(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeMvhd()})
	if err != nil {
		return Info{}, err
	}

	if len(mvhd) == 0 {
		return Info{}, ErrNotMP4
	}

	header := mvhd[0].Payload.(*mp4.Mvhd)

	var duration uint64
	if header.GetVersion() == 0 {
		duration = uint64(header.DurationV0)
	} else {
		duration = header.DurationV1
	}

	info := Info{Timescale: header.Timescale}
	if header.Timescale > 0 {
		info.Duration = time.Duration(float64(duration) / float64(header.Timescale) * float64(time.Second))
	}

	traks, err := mp4.ExtractBox(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return Info{}, err
	}

	info.Tracks = len(traks)

	top, err := mp4.ExtractBoxes(r, nil, []mp4.BoxPath{{mp4.BoxTypeMoov()}, {mp4.BoxTypeMdat()}})
	if err != nil {
		return Info{}, err
	}

	info.FastStart = true

	for _, box := range top {
		if box.Type == mp4.BoxTypeMdat() {
			info.FastStart = false
		}

		if box.Type == mp4.BoxTypeMoov() {
			break
		}
	}

	return info, nil
}
