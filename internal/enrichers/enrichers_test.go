package enrichers

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enrichd/enrichd/internal/enrich"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRegistryCoversAllBuiltinKinds(t *testing.T) {
	t.Parallel()

	registry := Registry()
	for _, kind := range enrich.DefaultKinds() {
		require.Contains(t, registry, kind.ID)
	}
}

func TestContentTypeSniffsText(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "notes.txt", []byte("plain text notes about vacation photos"))
	value, err := ContentType(context.Background(), enrich.FileRecord{}, path)
	require.NoError(t, err)
	require.Equal(t, "text/plain; charset=utf-8", value)
}

func TestContentTypeFallsBackToExtension(t *testing.T) {
	t.Parallel()

	// Bytes that sniff as octet-stream; the .png extension breaks the tie.
	path := writeFile(t, "raw.png", []byte{0x01, 0x02, 0x03, 0x04})
	value, err := ContentType(context.Background(), enrich.FileRecord{}, path)
	require.NoError(t, err)
	require.Equal(t, "image/png", value)
}

func TestContentTypeEmptyFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "empty.bin", nil)
	value, err := ContentType(context.Background(), enrich.FileRecord{}, path)
	require.NoError(t, err)
	require.NotEmpty(t, value)
}

func TestContentTypeMissingFile(t *testing.T) {
	t.Parallel()

	_, err := ContentType(context.Background(), enrich.FileRecord{}, filepath.Join(t.TempDir(), "gone.txt"))
	require.ErrorIs(t, err, enrich.ErrUnreachableVolume)
}

func TestChecksumMatchesKnownDigest(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "hello.txt", []byte("hello"))
	value, err := Checksum(context.Background(), enrich.FileRecord{}, path)
	require.NoError(t, err)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", value)
}

func TestChecksumIsStable(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "data.bin", []byte("same bytes every time"))
	first, err := Checksum(context.Background(), enrich.FileRecord{}, path)
	require.NoError(t, err)
	second, err := Checksum(context.Background(), enrich.FileRecord{}, path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEmbeddedMetadataDecodesImageDimensions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tiny.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 3, 2))))
	require.NoError(t, f.Close())

	value, err := EmbeddedMetadata(context.Background(), enrich.FileRecord{}, path)
	require.NoError(t, err)

	var meta struct {
		Format string `json:"format"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Size   int64  `json:"size"`
	}
	require.NoError(t, json.Unmarshal([]byte(value), &meta))
	require.Equal(t, "png", meta.Format)
	require.Equal(t, 3, meta.Width)
	require.Equal(t, 2, meta.Height)
	require.Positive(t, meta.Size)
}

func TestEmbeddedMetadataNonImageRecordsSizeOnly(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "doc.txt", []byte("twelve bytes"))
	value, err := EmbeddedMetadata(context.Background(), enrich.FileRecord{}, path)
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(value), &meta))
	require.Equal(t, float64(12), meta["size"])
	require.NotContains(t, meta, "format")
	require.NotContains(t, meta, "width")
}

func TestEmbeddedMetadataUndecodableImageDegrades(t *testing.T) {
	t.Parallel()

	// A corrupt .jpg still yields size metadata instead of an error.
	path := writeFile(t, "corrupt.jpg", []byte("not actually a jpeg"))
	value, err := EmbeddedMetadata(context.Background(), enrich.FileRecord{}, path)
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(value), &meta))
	require.NotContains(t, meta, "format")
}

func TestEnrichersHonorContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := writeFile(t, "a.txt", []byte("x"))

	_, err := ContentType(ctx, enrich.FileRecord{}, path)
	require.Error(t, err)
	_, err = Checksum(ctx, enrich.FileRecord{}, path)
	require.Error(t, err)
	_, err = EmbeddedMetadata(ctx, enrich.FileRecord{}, path)
	require.Error(t, err)
}
