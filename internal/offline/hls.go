package offline

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/grafov/m3u8"

	"github.com/italolelis/offline_downloader/internal/datasource"
	"github.com/italolelis/offline_downloader/internal/logctx"
)

const maxPlaylistSize = 4 << 20

// SegmentResolver lists the resources to fetch for a segmented action that
// was queued without them.
type SegmentResolver interface {
	ResolveSegments(ctx context.Context, upstream datasource.Factory, action Action) ([]string, error)
}

// HLSResolver reads an HLS playlist and returns its URI, the chosen variant
// playlist for a master playlist, and every media segment. The highest
// bandwidth variant is downloaded.
type HLSResolver struct{}

func (HLSResolver) ResolveSegments(ctx context.Context, upstream datasource.Factory, action Action) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	playlistURI := action.URI
	resources := []string{playlistURI}

	playlist, listType, err := fetchPlaylist(ctx, upstream, playlistURI)
	if err != nil {
		return nil, err
	}

	if listType == m3u8.MASTER {
		master := playlist.(*m3u8.MasterPlaylist)

		variant := bestVariant(master)
		if variant == nil {
			return nil, fmt.Errorf("master playlist %s has no variants", playlistURI)
		}

		variantURI, err := resolveReference(playlistURI, variant.URI)
		if err != nil {
			return nil, err
		}

		logger.Debug("selected hls variant", "uri", variantURI, "bandwidth", variant.Bandwidth)

		playlist, listType, err = fetchPlaylist(ctx, upstream, variantURI)
		if err != nil {
			return nil, err
		}

		if listType != m3u8.MEDIA {
			return nil, fmt.Errorf("variant %s is not a media playlist", variantURI)
		}

		playlistURI = variantURI
		resources = append(resources, variantURI)
	}

	media := playlist.(*m3u8.MediaPlaylist)

	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}

		segURI, err := resolveReference(playlistURI, seg.URI)
		if err != nil {
			return nil, err
		}

		resources = append(resources, segURI)
	}

	if len(resources) == 1 {
		return nil, fmt.Errorf("playlist %s has no segments", action.URI)
	}

	return resources, nil
}

func fetchPlaylist(ctx context.Context, upstream datasource.Factory, uri string) (m3u8.Playlist, m3u8.ListType, error) {
	rc, err := upstream.CreateDataSource().Open(ctx, datasource.NewDataSpec(uri))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch playlist %s: %w", uri, err)
	}

	defer rc.Close()

	playlist, listType, err := m3u8.DecodeFrom(io.LimitReader(rc, maxPlaylistSize), true)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse playlist %s: %w", uri, err)
	}

	return playlist, listType, nil
}

func bestVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant

	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}

		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}

	return best
}

func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid playlist uri %s: %w", base, err)
	}

	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid playlist reference %s: %w", ref, err)
	}

	return b.ResolveReference(r).String(), nil
}
