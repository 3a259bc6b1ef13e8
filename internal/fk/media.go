package fk

import (
	"context"
	"path"
	"strings"
)

// MediaKind groups files by the renderer that displays them.
type MediaKind string

const (
	KindImage   MediaKind = "image"
	KindVideo   MediaKind = "video"
	KindAudio   MediaKind = "audio"
	KindUnknown MediaKind = "unknown"
)

// contentTypes maps lowercase file extensions to content types.
var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".pdf":  "application/pdf",
}

// transcodeTypes are content types common renderers cannot display and
// that are converted to JPEG before display.
var transcodeTypes = map[string]bool{
	"image/heic": true,
	"image/heif": true,
	"image/tiff": true,
	"image/bmp":  true,
	"image/webp": true,
}

// ContentTypeOf guesses a content type from a file name's extension.
// Unknown extensions yield "application/octet-stream".
func ContentTypeOf(fileName string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(fileName))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// KindOf classifies a file name by the renderer it needs.
func KindOf(fileName string) MediaKind {
	ct := ContentTypeOf(fileName)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.HasPrefix(ct, "video/"):
		return KindVideo
	case strings.HasPrefix(ct, "audio/"):
		return KindAudio
	default:
		return KindUnknown
	}
}

// NeedsTranscode reports whether contentType is on the transcode allow-list.
func NeedsTranscode(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return transcodeTypes[ct]
}

// Transcoder converts media bytes into a universally renderable format.
type Transcoder interface {
	// Transcode converts data (declared as contentType) and returns the
	// converted bytes with their content type.
	Transcode(ctx context.Context, data []byte, contentType string) ([]byte, string, error)
}

// Fetcher downloads the bytes behind an access URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// TempURLs hands out process-local URLs for in-memory content.
// Every URL returned by Create must be released with Revoke exactly once.
type TempURLs interface {
	Create(data []byte, contentType string) (string, error)
	Revoke(url string)
}
