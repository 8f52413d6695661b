package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobarin/reelforge/internal/failure"
)

type Transition string

const (
	TransitionCut       Transition = "cut"
	TransitionFade      Transition = "fade"
	TransitionCrossfade Transition = "crossfade"
)

const (
	DefaultTransitionDuration = 0.5

	// A cut inside a re-encoded chain is a one-frame dissolve.
	cutBlendDuration = 0.04
	outputFPS        = 30
)

type StitchRequest struct {
	Sources            []string
	Transitions        []string
	TransitionDuration float64
	AspectRatio        string
}

type StitchResult struct {
	Duration    float64      `json:"duration"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	Segments    int          `json:"segments"`
	Transitions []Transition `json:"transitions"`
}

// NormalizeTransitions returns exactly n-1 transitions for n sources: missing
// entries become cuts and extra entries are dropped.
func NormalizeTransitions(names []string, sources int) ([]Transition, error) {
	want := sources - 1
	if want < 0 {
		want = 0
	}
	out := make([]Transition, want)
	for i := range out {
		if i >= len(names) || names[i] == "" {
			out[i] = TransitionCut
			continue
		}
		switch t := Transition(strings.ToLower(names[i])); t {
		case TransitionCut, TransitionFade, TransitionCrossfade:
			out[i] = t
		default:
			return nil, failure.Newf(failure.KindInvalid, "unknown transition %q at position %d", names[i], i)
		}
	}
	return out, nil
}

// Stitch joins the sources in order and writes the result to output.
// All-cut timelines are stream-copied; anything with a fade is re-encoded
// through an xfade chain.
func (a *Assembler) Stitch(ctx context.Context, req StitchRequest, output string) (*StitchResult, error) {
	if len(req.Sources) < 2 {
		return nil, failure.Newf(failure.KindInvalid, "stitch needs at least 2 sources, got %d", len(req.Sources))
	}
	transitions, err := NormalizeTransitions(req.Transitions, len(req.Sources))
	if err != nil {
		return nil, err
	}
	fadeDur := req.TransitionDuration
	if fadeDur <= 0 {
		fadeDur = DefaultTransitionDuration
	}

	dir, cleanup, err := a.workspace("stitch-")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	paths, err := a.fetchAll(ctx, dir, req.Sources)
	if err != nil {
		return nil, err
	}

	result := &StitchResult{Segments: len(paths), Transitions: transitions}

	var expected float64
	if allCuts(transitions) {
		expected, err = a.concat(ctx, dir, paths, req.AspectRatio, output)
		if req.AspectRatio != "" {
			result.Width, result.Height = Resolution(req.AspectRatio)
		}
	} else {
		result.Width, result.Height = Resolution(req.AspectRatio)
		expected, err = a.crossfade(ctx, paths, transitions, fadeDur, result.Width, result.Height, output)
	}
	if err != nil {
		return nil, err
	}

	result.Duration = a.durationOr(ctx, output, expected)
	a.log.Info().
		Int("segments", result.Segments).
		Float64("duration", result.Duration).
		Msg("stitch complete")
	return result, nil
}

func allCuts(ts []Transition) bool {
	for _, t := range ts {
		if t != TransitionCut {
			return false
		}
	}
	return true
}

// concat stream-copies the sources back to back, then fits the frame to
// aspectRatio when one is requested.
func (a *Assembler) concat(ctx context.Context, dir string, paths []string, aspectRatio, output string) (float64, error) {
	listPath := filepath.Join(dir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(concatList(paths)), 0o644); err != nil {
		return 0, failure.Media(err, "failed to write concat list")
	}

	joined := output
	if aspectRatio != "" {
		joined = filepath.Join(dir, "joined"+filepath.Ext(output))
	}

	if err := a.runner.FFmpeg(ctx,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		joined,
	); err != nil {
		return 0, fmt.Errorf("concat failed: %w", err)
	}

	if aspectRatio != "" {
		w, h := Resolution(aspectRatio)
		if err := a.runner.FFmpeg(ctx,
			"-i", joined,
			"-vf", fitFilter(w, h),
			"-c:v", "libx264", "-preset", "fast", "-crf", "23", "-pix_fmt", "yuv420p",
			"-c:a", "copy",
			output,
		); err != nil {
			return 0, fmt.Errorf("resize failed: %w", err)
		}
	}

	var total float64
	for _, p := range paths {
		total += a.durationOr(ctx, p, fallbackDuration)
	}
	return total, nil
}

// concatList renders an ffmpeg concat demuxer list with every path single
// quoted.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return b.String()
}

func (a *Assembler) crossfade(ctx context.Context, paths []string, transitions []Transition, fadeDur float64, width, height int, output string) (float64, error) {
	durations := make([]float64, len(paths))
	for i, p := range paths {
		durations[i] = a.durationOr(ctx, p, fallbackDuration)
	}

	graph, expected := xfadeGraph(durations, transitions, fadeDur, width, height)

	args := make([]string, 0, 2*len(paths)+16)
	for _, p := range paths {
		args = append(args, "-i", p)
	}
	args = append(args,
		"-filter_complex", graph,
		"-map", "[vout]",
		"-c:v", "libx264", "-preset", "fast", "-crf", "23", "-pix_fmt", "yuv420p",
		"-an",
		output,
	)
	if err := a.runner.FFmpeg(ctx, args...); err != nil {
		return 0, fmt.Errorf("crossfade render failed: %w", err)
	}
	return expected, nil
}

// xfadeFor maps a timeline transition to an xfade transition and duration.
func xfadeFor(t Transition, fadeDur float64) (string, float64) {
	switch t {
	case TransitionFade:
		return "fadegrays", fadeDur
	case TransitionCrossfade:
		return "fade", fadeDur
	default:
		return "fade", cutBlendDuration
	}
}

// xfadeGraph builds the filter graph that normalizes every input to W×H at
// 30 fps and chains them pairwise with xfade. It also returns the duration
// the graph produces.
func xfadeGraph(durations []float64, transitions []Transition, fadeDur float64, width, height int) (string, float64) {
	var b strings.Builder
	for i := range durations {
		fmt.Fprintf(&b, "[%d:v]%s,fps=%d[v%d];", i, fitFilter(width, height), outputFPS, i)
	}

	prev := "v0"
	cum := durations[0]
	for i := 1; i < len(durations); i++ {
		name, d := xfadeFor(transitions[i-1], fadeDur)
		offset := max(cum-d, 0)

		out := fmt.Sprintf("x%d", i)
		if i == len(durations)-1 {
			out = "vout"
		}
		fmt.Fprintf(&b, "[%s][v%d]xfade=transition=%s:duration=%.3f:offset=%.3f[%s]", prev, i, name, d, offset, out)
		if out != "vout" {
			b.WriteString(";")
		}

		cum += durations[i] - d
		prev = out
	}
	return b.String(), cum
}
