package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/abema/go-mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_downloader/internal/cache"
)

type stubLookup map[string]cache.Span

func (s stubLookup) Lookup(_ context.Context, key string) (cache.Span, error) {
	span, ok := s[key]
	if !ok {
		return cache.Span{}, cache.ErrNotCached
	}

	return span, nil
}

func writeBox(t *testing.T, w *mp4.Writer, typ mp4.BoxType, payload mp4.IImmutableBox, children func()) {
	t.Helper()

	box, err := w.StartBox(&mp4.BoxInfo{Type: typ})
	require.NoError(t, err)

	if payload != nil {
		_, err = mp4.Marshal(w, payload, box.Context)
		require.NoError(t, err)
	}

	if children != nil {
		children()
	}

	_, err = w.EndBox()
	require.NoError(t, err)
}

// writeMovie writes an mp4 with two tracks lasting 90 seconds at a
// timescale of 1000. moovFirst places the movie header before the media data.
func writeMovie(t *testing.T, moovFirst bool) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "movie.mp4")

	f, err := os.Create(path)
	require.NoError(t, err)

	defer f.Close()

	w := mp4.NewWriter(f)

	writeBox(t, w, mp4.BoxTypeFtyp(), &mp4.Ftyp{
		MajorBrand:       [4]byte{'i', 's', 'o', 'm'},
		CompatibleBrands: []mp4.CompatibleBrandElem{{CompatibleBrand: mp4.BrandISOM()}},
	}, nil)

	moov := func() {
		writeBox(t, w, mp4.BoxTypeMoov(), nil, func() {
			writeBox(t, w, mp4.BoxTypeMvhd(), &mp4.Mvhd{Timescale: 1000, DurationV0: 90000, Rate: 0x10000, NextTrackID: 3}, nil)

			for id := uint32(1); id <= 2; id++ {
				writeBox(t, w, mp4.BoxTypeTrak(), nil, func() {
					writeBox(t, w, mp4.BoxTypeTkhd(), &mp4.Tkhd{TrackID: id, DurationV0: 90000}, nil)
				})
			}
		})
	}

	mdat := func() {
		writeBox(t, w, mp4.BoxTypeMdat(), &mp4.Mdat{Data: []byte("media")}, nil)
	}

	if moovFirst {
		moov()
		mdat()
	} else {
		mdat()
		moov()
	}

	return path
}

func TestProber_Probe(t *testing.T) {
	tests := []struct {
		name      string
		moovFirst bool
	}{
		{name: "fast start", moovFirst: true},
		{name: "movie header last", moovFirst: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeMovie(t, tt.moovFirst)

			st, err := os.Stat(path)
			require.NoError(t, err)

			p := NewProber(stubLookup{"movie": {Key: "movie", File: path, Length: st.Size()}})

			info, err := p.Probe(context.Background(), "movie")
			require.NoError(t, err)

			assert.Equal(t, "movie", info.Key)
			assert.Equal(t, st.Size(), info.Size)
			assert.Equal(t, uint32(1000), info.Timescale)
			assert.Equal(t, 90*time.Second, info.Duration)
			assert.Equal(t, 2, info.Tracks)
			assert.Equal(t, tt.moovFirst, info.FastStart)
		})
	}
}

func TestProber_NotCached(t *testing.T) {
	_, err := NewProber(stubLookup{}).Probe(context.Background(), "missing")
	assert.ErrorIs(t, err, cache.ErrNotCached)
}

func TestProber_NotMP4(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.ts")
	require.NoError(t, os.WriteFile(path, make([]byte, 188), 0o644))

	p := NewProber(stubLookup{"segment": {Key: "segment", File: path, Length: 188}})

	_, err := p.Probe(context.Background(), "segment")
	assert.Error(t, err)
}
