// Package media assembles finished clips into deliverables with ffmpeg:
// stitching sources with transitions and exporting to platform presets.
package media

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bobarin/reelforge/internal/failure"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxParallelFetches bounds the download fan-out for one job.
const maxParallelFetches = 4

// Fetcher copies a source (URL or local path) to dst.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string) error
}

type Assembler struct {
	runner  Runner
	fetcher Fetcher
	workDir string
	log     zerolog.Logger
}

// NewAssembler returns an Assembler that keeps per-job scratch directories
// under workDir (the system temp dir when empty).
func NewAssembler(runner Runner, fetcher Fetcher, workDir string, logger zerolog.Logger) *Assembler {
	return &Assembler{
		runner:  runner,
		fetcher: fetcher,
		workDir: workDir,
		log:     logger.With().Str("component", "media").Logger(),
	}
}

// workspace creates a scratch directory. The caller must call the returned
// cleanup func.
func (a *Assembler) workspace(prefix string) (string, func(), error) {
	if a.workDir != "" {
		if err := os.MkdirAll(a.workDir, 0o755); err != nil {
			return "", nil, failure.Media(err, "failed to create work dir")
		}
	}
	dir, err := os.MkdirTemp(a.workDir, prefix)
	if err != nil {
		return "", nil, failure.Media(err, "failed to create work dir")
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			a.log.Warn().Err(err).Str("dir", dir).Msg("failed to remove work dir")
		}
	}, nil
}

// fetchAll downloads every source into dir, at most maxParallelFetches at a
// time, and returns the local paths in source order.
func (a *Assembler) fetchAll(ctx context.Context, dir string, sources []string) ([]string, error) {
	paths := make([]string, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, src := range sources {
		dst := filepath.Join(dir, fmt.Sprintf("src_%03d%s", i, sourceExt(src)))
		paths[i] = dst
		g.Go(func() error {
			if err := a.fetcher.Fetch(gctx, src, dst); err != nil {
				return fmt.Errorf("failed to fetch source %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// sourceExt keeps the source's extension so ffmpeg can sniff the container.
func sourceExt(src string) string {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	ext := strings.ToLower(path.Ext(src))
	if ext == "" || len(ext) > 5 {
		return ".mp4"
	}
	return ext
}

// durationOr returns the duration of p, or fallback when ffprobe cannot read it.
func (a *Assembler) durationOr(ctx context.Context, p string, fallback float64) float64 {
	if d, ok := a.measure(ctx, p); ok {
		return d
	}
	return fallback
}

// measure reports the duration of p and whether ffprobe could read it.
func (a *Assembler) measure(ctx context.Context, p string) (float64, bool) {
	d, err := ReadDuration(ctx, a.runner, p)
	if err != nil || d <= 0 {
		a.log.Warn().Err(err).Str("path", filepath.Base(p)).Msg("could not read duration")
		return 0, false
	}
	return d, true
}
