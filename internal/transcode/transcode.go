// Package transcode converts media that common renderers cannot display
// into JPEG.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"formkeep/internal/fk"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 80

// ImageTranscoder re-encodes any image the Go decoders understand as JPEG.
// EXIF orientation is applied so the output displays upright.
type ImageTranscoder struct {
	quality int
}

var _ fk.Transcoder = (*ImageTranscoder)(nil)

func NewImageTranscoder(quality int) *ImageTranscoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &ImageTranscoder{quality: quality}
}

func (t *ImageTranscoder) Transcode(ctx context.Context, data []byte, contentType string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decoding %s: %w", contentType, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(t.quality)); err != nil {
		return nil, "", fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

// Router picks a transcoder from the sniffed content of the data, falling
// back to the declared content type. HEIC and HEIF go to the heif
// transcoder; everything else to the image transcoder.
type Router struct {
	image fk.Transcoder
	heif  fk.Transcoder
}

var _ fk.Transcoder = (*Router)(nil)

// NewRouter creates a router. heif may be nil, in which case HEIC input fails.
func NewRouter(image, heif fk.Transcoder) *Router {
	return &Router{image: image, heif: heif}
}

func (r *Router) Transcode(ctx context.Context, data []byte, contentType string) ([]byte, string, error) {
	detected := Detect(data, contentType)
	if isHEIF(detected) {
		if r.heif == nil {
			return nil, "", fmt.Errorf("no heif transcoder configured")
		}
		return r.heif.Transcode(ctx, data, detected)
	}
	return r.image.Transcode(ctx, data, detected)
}

// Detect returns the content type sniffed from data. When sniffing finds
// nothing more specific than octet-stream, declared is returned.
func Detect(data []byte, declared string) string {
	m := mimetype.Detect(data)
	if m.Is("application/octet-stream") && declared != "" {
		return declared
	}
	return m.String()
}

func isHEIF(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "image/heic") || strings.HasPrefix(ct, "image/heif")
}
