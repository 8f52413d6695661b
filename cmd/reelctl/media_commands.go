package main

import (
	"fmt"
	"strconv"

	"github.com/bobarin/reelforge/internal/media"
	"github.com/bobarin/reelforge/internal/storage"
	"github.com/spf13/cobra"
)

type mediaFlags struct {
	ffmpeg  string
	ffprobe string
	workDir string
}

func (f *mediaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ffmpeg, "ffmpeg", "ffmpeg", "Path to ffmpeg")
	cmd.Flags().StringVar(&f.ffprobe, "ffprobe", "ffprobe", "Path to ffprobe")
	cmd.Flags().StringVar(&f.workDir, "work-dir", "", "Scratch directory (system temp when empty)")
}

func (f *mediaFlags) assembler(ctx *commandContext) *media.Assembler {
	logger := ctx.logger()
	return media.NewAssembler(media.NewExecRunner(f.ffmpeg, f.ffprobe), storage.NewFetcher(logger), f.workDir, logger)
}

func newPresetsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List export presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			presets := media.Presets()
			if ctx.jsonOutput {
				return writeJSON(cmd, presets)
			}
			rows := make([][]string, 0, len(presets))
			for _, p := range presets {
				limit := "-"
				if p.MaxDuration > 0 {
					limit = strconv.FormatFloat(p.MaxDuration, 'f', -1, 64) + "s"
				}
				rows = append(rows, []string{p.Name, p.AspectRatio, fmt.Sprintf("%dx%d", p.Width, p.Height), limit})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Preset", "Aspect", "Frame", "Max"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
}

func newStitchCommand(ctx *commandContext) *cobra.Command {
	var (
		mf          mediaFlags
		output      string
		transitions []string
		duration    float64
		aspect      string
	)
	cmd := &cobra.Command{
		Use:   "stitch <source> <source> [source...]",
		Short: "Join clips locally with transitions",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := mf.assembler(ctx).Stitch(cmd.Context(), media.StitchRequest{
				Sources:            args,
				Transitions:        transitions,
				TransitionDuration: duration,
				AspectRatio:        aspect,
			}, output)
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %d segments, %.2fs\n", output, res.Segments, res.Duration)
			return nil
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "stitched.mp4", "Output file")
	cmd.Flags().StringSliceVarP(&transitions, "transition", "t", nil, "Transition between clips (cut, fade, crossfade); repeat per join")
	cmd.Flags().Float64Var(&duration, "transition-duration", media.DefaultTransitionDuration, "Transition length in seconds")
	cmd.Flags().StringVar(&aspect, "aspect-ratio", "", "Re-frame to this aspect ratio")
	return cmd
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	var (
		mf       mediaFlags
		output   string
		platform string
	)
	cmd := &cobra.Command{
		Use:   "export <source>",
		Short: "Re-frame a clip for a platform preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = platform + ".mp4"
			}
			res, err := mf.assembler(ctx).Export(cmd.Context(), media.ExportRequest{Source: args[0], Platform: platform}, output)
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, res)
			}
			trimmed := ""
			if res.Trimmed {
				trimmed = " (trimmed)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %dx%d, %.2fs%s\n", output, res.Width, res.Height, res.Duration, trimmed)
			return nil
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <platform>.mp4)")
	cmd.Flags().StringVarP(&platform, "platform", "p", "tiktok", "Export preset (see reelctl presets)")
	return cmd
}
