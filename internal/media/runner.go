package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bobarin/reelforge/internal/failure"
)

// stderrTail is how much of a failed command's stderr is kept on the error.
const stderrTail = 2000

// Runner executes ffmpeg and ffprobe.
type Runner interface {
	FFmpeg(ctx context.Context, args ...string) error
	FFprobe(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the real binaries.
type ExecRunner struct {
	FFmpegPath  string
	FFprobePath string
}

func NewExecRunner(ffmpegPath, ffprobePath string) *ExecRunner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &ExecRunner{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

func (r *ExecRunner) FFmpeg(ctx context.Context, args ...string) error {
	full := append([]string{"-hide_banner", "-nostdin", "-y"}, args...)
	_, err := r.run(ctx, r.FFmpegPath, full)
	return err
}

func (r *ExecRunner) FFprobe(ctx context.Context, args ...string) ([]byte, error) {
	return r.run(ctx, r.FFprobePath, args)
}

func (r *ExecRunner) run(ctx context.Context, bin string, args []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, commandError(bin, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// commandError builds a media failure that carries the end of stderr, where
// ffmpeg reports the actual cause.
func commandError(bin string, err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > stderrTail {
		stderr = stderr[len(stderr)-stderrTail:]
	}
	if stderr == "" {
		return failure.Media(err, fmt.Sprintf("%s failed", bin))
	}
	return failure.Media(fmt.Errorf("%w: %s", err, stderr), fmt.Sprintf("%s failed", bin))
}
