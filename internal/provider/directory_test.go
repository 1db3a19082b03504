package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryResolver(t *testing.T) {
	tests := []struct {
		name      string
		preferred func() (string, bool)
		want      string
	}{
		{
			name:      "preferred available",
			preferred: func() (string, bool) { return "/mnt/external", true },
			want:      "/mnt/external",
		},
		{
			name:      "preferred unavailable",
			preferred: func() (string, bool) { return "", false },
			want:      "/data/internal",
		},
		{
			name: "no preferred location",
			want: "/data/internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewDirectoryResolver(tt.preferred, "/data/internal")

			assert.Equal(t, tt.want, r.Resolve(context.Background()))
			assert.Equal(t, tt.want, r.Resolve(context.Background()))
		})
	}
}

func TestDirectoryResolver_EvaluatesOnce(t *testing.T) {
	calls := 0
	available := true

	r := NewDirectoryResolver(func() (string, bool) {
		calls++

		return "/mnt/external", available
	}, "/data/internal")

	assert.Equal(t, "/mnt/external", r.Resolve(context.Background()))

	available = false

	assert.Equal(t, "/mnt/external", r.Resolve(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestExternalDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "external")

	got, ok := ExternalDirectory(dir)()
	require.True(t, ok)
	assert.Equal(t, dir, got)
	assert.DirExists(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, ok = ExternalDirectory("")()
	assert.False(t, ok)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, ok = ExternalDirectory(filepath.Join(file, "sub"))()
	assert.False(t, ok)
}

func TestProvider_PrefersExternalDirectory(t *testing.T) {
	external := filepath.Join(t.TempDir(), "external")
	internal := t.TempDir()

	p := New(Options{ExternalDir: external, InternalDir: internal})
	assert.Equal(t, external, p.DownloadDirectory(context.Background()))

	p = New(Options{InternalDir: internal})
	assert.Equal(t, internal, p.DownloadDirectory(context.Background()))
}
