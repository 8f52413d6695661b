package media

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/bobarin/reelforge/internal/failure"
)

type ExportRequest struct {
	Source   string
	Platform string
}

type ExportResult struct {
	Platform string  `json:"platform"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Duration float64 `json:"duration"`
	Trimmed  bool    `json:"trimmed"`
}

// Export re-frames the source for a platform preset and writes it to output.
// Sources longer than the preset's cap, or whose length cannot be read, are
// cut to the cap.
func (a *Assembler) Export(ctx context.Context, req ExportRequest, output string) (*ExportResult, error) {
	preset, ok := LookupPreset(req.Platform)
	if !ok {
		return nil, failure.Newf(failure.KindInvalid, "unknown export platform %q", req.Platform)
	}

	dir, cleanup, err := a.workspace("export-")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	paths, err := a.fetchAll(ctx, dir, []string{req.Source})
	if err != nil {
		return nil, err
	}
	src := paths[0]

	sourceDur, known := a.measure(ctx, src)
	capped := preset.MaxDuration > 0 && (!known || sourceDur > preset.MaxDuration)

	scaled := output
	if capped {
		scaled = filepath.Join(dir, "scaled"+filepath.Ext(output))
	}

	if err := a.runner.FFmpeg(ctx,
		"-i", src,
		"-vf", fitFilter(preset.Width, preset.Height),
		"-c:v", "libx264", "-preset", "fast", "-crf", "23", "-pix_fmt", "yuv420p",
		"-c:a", "copy",
		scaled,
	); err != nil {
		return nil, fmt.Errorf("export to %s failed: %w", preset.Name, err)
	}

	if capped && !known {
		sourceDur, known = a.measure(ctx, scaled)
	}
	trim := capped && (!known || sourceDur > preset.MaxDuration)

	expected := sourceDur
	if capped {
		if err := a.runner.FFmpeg(ctx,
			"-i", scaled,
			"-t", strconv.FormatFloat(preset.MaxDuration, 'f', -1, 64),
			"-c", "copy",
			output,
		); err != nil {
			return nil, fmt.Errorf("trim to %.0fs failed: %w", preset.MaxDuration, err)
		}
		expected = min(sourceDur, preset.MaxDuration)
		if !known {
			expected = preset.MaxDuration
		}
	}

	result := &ExportResult{
		Platform: preset.Name,
		Width:    preset.Width,
		Height:   preset.Height,
		Duration: a.durationOr(ctx, output, expected),
		Trimmed:  trim,
	}
	a.log.Info().
		Str("platform", preset.Name).
		Float64("duration", result.Duration).
		Bool("trimmed", trim).
		Msg("export complete")
	return result, nil
}
