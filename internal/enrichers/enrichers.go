// Package enrichers implements the built-in enrichment functions and their
// registry. The scheduler treats these as opaque enrich.Func values; nothing
// here knows about batching or queues.
package enrichers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/enrichd/enrichd/internal/enrich"
)

// Registry maps enrichment kinds to their functions.
func Registry() map[enrich.KindID]enrich.Func {
	return map[enrich.KindID]enrich.Func{
		enrich.KindContentType:      ContentType,
		enrich.KindChecksum:         Checksum,
		enrich.KindEmbeddedMetadata: EmbeddedMetadata,
	}
}

// sniffLen matches http.DetectContentType's maximum useful prefix.
const sniffLen = 512

// ContentType detects a file's MIME type by sniffing its leading bytes,
// falling back to the extension when sniffing is inconclusive.
func ContentType(ctx context.Context, record enrich.FileRecord, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", enrich.ErrUnreachableVolume, err)
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read head of %s: %w", localPath, err)
	}
	detected := http.DetectContentType(buf[:n])

	if detected == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath))); byExt != "" {
			detected = byExt
		}
	}
	return detected, nil
}

// Checksum computes a streaming SHA-256 hex digest of the file contents.
func Checksum(ctx context.Context, record enrich.FileRecord, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", enrich.ErrUnreachableVolume, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", localPath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// embedded holds the attributes EmbeddedMetadata extracts. Serialized as the
// marker value.
type embedded struct {
	Format string `json:"format,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Size   int64  `json:"size"`
}

// EmbeddedMetadata extracts lightweight embedded attributes: image pixel
// dimensions for supported formats, byte size otherwise.
func EmbeddedMetadata(ctx context.Context, record enrich.FileRecord, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", enrich.ErrUnreachableVolume, err)
	}
	meta := embedded{Size: info.Size()}

	if format, width, height, ok := imageDimensions(localPath); ok {
		meta.Format = format
		meta.Width = width
		meta.Height = height
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}
