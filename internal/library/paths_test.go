package library

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRelPath(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"a.pdf", "a.pdf", false},
		{`disc1\track01.flac`, "disc1/track01.flac", false},
		{"./a/./b.txt", "a/b.txt", false},
		{"a//b.txt", "a/b.txt", false},
		{"what?.mp3", "what_.mp3", false},
		{`x<y>:z.txt`, "x_y__z.txt", false},
		{"con.txt", "con_.txt", false},
		{"trailing. ", "trailing", false},
		{"tab\tname.txt", "tabname.txt", false},
		{"../etc/passwd", "", true},
		{"a/../../b", "", true},
		{`..\..\boot.ini`, "", true},
		{"/etc/passwd", "", true},
		{`C:\Windows\system.ini`, "", true},
		{"c:relative.txt", "", true},
		{`\\server\share\x`, "", true},
		{"", "", true},
		{"a\x00b", "", true},
		{"./.", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := SanitizeRelPath(tt.input)
			if tt.wantErr {
				var pathErr *PathError
				assert.True(t, errors.As(err, &pathErr), "expected PathError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveInside(t *testing.T) {
	base := t.TempDir()

	got, err := ResolveInside(base, "sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "sub", "a.txt"), got)

	for _, bad := range []string{"../x", "/abs", `C:\x`, "sub/../../x"} {
		_, err := ResolveInside(base, bad)
		assert.Error(t, err, bad)
	}

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejection must not touch the filesystem")
}

func TestFindOnDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Disc1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Disc1", "Track01.FLAC"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "what_.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exact.txt"), []byte("x"), 0o644))

	tests := []struct {
		name  string
		input string
		want  string
		found bool
	}{
		{"exact", "exact.txt", "exact.txt", true},
		{"case-insensitive nested", "disc1/track01.flac", filepath.Join("Disc1", "Track01.FLAC"), true},
		{"backslash separators", `DISC1\track01.flac`, filepath.Join("Disc1", "Track01.FLAC"), true},
		{"sanitized variant", "what?.mp3", "what_.mp3", true},
		{"missing", "nope.txt", "", false},
		{"directory is not a file", "disc1", "", false},
		{"traversal", "../outside.txt", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindOnDisk(dir, tt.input)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, filepath.Join(dir, tt.want), got)
			}
		})
	}
}
