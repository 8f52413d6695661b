package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// fallbackDuration is assumed for a source ffprobe cannot read.
const fallbackDuration = 5.0

// ReadDuration returns the container duration of path in seconds.
func ReadDuration(ctx context.Context, r Runner, path string) (float64, error) {
	out, err := r.FFprobe(ctx,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}

	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return secs, nil
}
