package ffmpegexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// EnvPath overrides the ffmpeg binary location.
const EnvPath = "M3UFETCH_FFMPEG"

// Runner wraps execution of the ffmpeg binary.
type Runner struct {
	path string
}

// Locate finds the ffmpeg binary to use. Order:
// 1) explicit path argument if non-empty
// 2) M3UFETCH_FFMPEG environment variable
// 3) ffmpeg found on PATH
func Locate(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env, nil
	}
	if p, err := exec.LookPath("ffmpeg"); err == nil {
		return p, nil
	}
	return "", errors.New("ffmpeg not found; install it or set " + EnvPath)
}

// New creates a Runner using the located ffmpeg path.
func New(explicit string) (*Runner, error) {
	p, err := Locate(explicit)
	if err != nil {
		return nil, err
	}
	return &Runner{path: p}, nil
}

// Run executes ffmpeg with the provided arguments.
func (r *Runner) Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, r.path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// Path returns the ffmpeg path in use.
func (r *Runner) Path() string {
	return r.path
}

// RemuxArgs builds the arguments that copy every stream of src into dst
// without re-encoding.
func RemuxArgs(src, dst string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-map", "0", "-c", "copy",
		"-movflags", "+faststart",
		dst,
	}
}

// Remux rewrites an MPEG-TS file as MP4 next to it and returns the new path.
// The source is removed once the copy succeeds. A failed remux leaves the
// source untouched and removes any partial output.
func (r *Runner) Remux(ctx context.Context, src string) (string, error) {
	dst := RemuxTarget(src)
	if dst == src {
		return src, nil
	}

	var stderr bytes.Buffer
	if err := r.Run(ctx, RemuxArgs(src, dst), io.Discard, &stderr); err != nil {
		_ = os.Remove(dst)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return dst, fmt.Errorf("remove source: %w", err)
	}
	return dst, nil
}

// RemuxTarget maps a .ts path to its .mp4 counterpart. Other paths are
// returned unchanged.
func RemuxTarget(path string) string {
	ext := filepath.Ext(path)
	if !strings.EqualFold(ext, ".ts") {
		return path
	}
	return strings.TrimSuffix(path, ext) + ".mp4"
}
