package enrichers

import (
	"image"
	_ "image/gif"  // GIF decoding
	_ "image/jpeg" // JPEG decoding
	_ "image/png"  // PNG decoding
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp" // WebP decoding
)

// imageExtensions are the formats imageDimensions will attempt to decode.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// imageDimensions reads just the image header to get pixel dimensions.
// ok is false for non-images and undecodable files.
func imageDimensions(path string) (format string, width, height int, ok bool) {
	if !imageExtensions[strings.ToLower(filepath.Ext(path))] {
		return "", 0, 0, false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, false
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return "", 0, 0, false
	}
	return format, cfg.Width, cfg.Height, true
}
