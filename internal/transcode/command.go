package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"formkeep/internal/fk"
)

// CommandTranscoder converts media by piping it through ffmpeg and reading
// a single JPEG frame back.
type CommandTranscoder struct {
	path string
}

var _ fk.Transcoder = (*CommandTranscoder)(nil)

// NewCommandTranscoder creates a transcoder running the ffmpeg binary at path.
func NewCommandTranscoder(path string) *CommandTranscoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &CommandTranscoder{path: path}
}

func (t *CommandTranscoder) Transcode(ctx context.Context, data []byte, contentType string) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, t.path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-frames:v", "1",
		"-f", "image2pipe", "-vcodec", "mjpeg",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, "", fmt.Errorf("converting %s: %w: %s", contentType, err, msg)
		}
		return nil, "", fmt.Errorf("converting %s: %w", contentType, err)
	}
	if stdout.Len() == 0 {
		return nil, "", fmt.Errorf("converting %s: no output", contentType)
	}
	return stdout.Bytes(), "image/jpeg", nil
}
