package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobarin/reelforge/internal/dispatch"
	"github.com/bobarin/reelforge/internal/failure"
	"github.com/bobarin/reelforge/internal/media"
	"github.com/bobarin/reelforge/internal/models"
	"github.com/bobarin/reelforge/internal/poller"
	"github.com/bobarin/reelforge/internal/services"
	"github.com/bobarin/reelforge/internal/storage"
	"google.golang.org/genai"
)

const (
	generationTextToVideo  = "text-to-video"
	generationImageToVideo = "image-to-video"
)

func notConfigured(what string) error {
	return failure.Newf(failure.KindTerminal, "%s is not configured on this worker", what)
}

func (w *Worker) generateVideo(ctx context.Context, run *dispatch.Run, task *models.Task) (models.JSONB, error) {
	if w.deps.Video == nil {
		return nil, notConfigured("video generation")
	}
	p := task.VideoGeneration

	req := services.GenerationRequest{
		Prompt:               p.Prompt,
		CharacterDescription: p.CharacterDescription,
		NegativePrompt:       p.NegativePrompt,
		Resolution:           p.Resolution,
		AspectRatio:          p.AspectRatio,
		DurationSeconds:      p.Duration,
		Seed:                 p.Seed,
		NumVideos:            p.NumVideos,
		Fast:                 p.UseFastModel,
	}
	genType := generationTextToVideo
	if p.ImageURL != "" {
		run.Report(ctx, 5, "fetching", "Fetching reference image")
		img, mime, err := w.deps.Fetcher.FetchBytes(ctx, p.ImageURL)
		if err != nil {
			return nil, err
		}
		req.Image, req.ImageMIMEType = img, mime
		genType = generationImageToVideo
	}

	video, err := poller.Run(ctx, w.cfg.Poll, w.deps.Video.Generation(req), run.PollHooks(ctx, "generating"))
	if err != nil {
		return nil, err
	}

	result, err := w.storeVideo(ctx, run, task, video)
	if err != nil {
		return nil, err
	}
	result["duration"] = p.Duration
	result["resolution"] = p.Resolution
	result["aspect_ratio"] = p.AspectRatio
	result["generation_type"] = genType
	result["model"] = w.deps.Video.Model(p.UseFastModel)
	run.Report(ctx, 100, "completed", "Video ready")
	return result, nil
}

func (w *Worker) extendVideo(ctx context.Context, run *dispatch.Run, task *models.Task) (models.JSONB, error) {
	if w.deps.Video == nil {
		return nil, notConfigured("video extension")
	}
	p := task.VideoExtension
	if p.ExtensionCount >= models.MaxVideoExtensions {
		return nil, failure.Newf(failure.KindInvalid, "video has reached the maximum of %d extensions", models.MaxVideoExtensions)
	}

	req := services.ExtensionRequest{
		Prompt:      p.Prompt,
		VideoURI:    p.VeoVideoURI,
		AspectRatio: p.AspectRatio,
		Fast:        p.UseFastModel,
	}
	if req.VideoURI == "" {
		run.Report(ctx, 5, "fetching", "Fetching source video")
		data, mime, err := w.deps.Fetcher.FetchBytes(ctx, p.VideoURL)
		if err != nil {
			return nil, err
		}
		req.Video, req.VideoMIMEType = data, mime
	}

	video, err := poller.Run(ctx, w.cfg.Poll, w.deps.Video.Extension(req), run.PollHooks(ctx, "extending"))
	if err != nil {
		return nil, err
	}

	result, err := w.storeVideo(ctx, run, task, video)
	if err != nil {
		return nil, err
	}
	count := p.ExtensionCount + 1
	result["resolution"] = "720p"
	result["aspect_ratio"] = p.AspectRatio
	result["generation_type"] = "extension"
	result["model"] = w.deps.Video.Model(p.UseFastModel)
	result["extension_count"] = count
	result["remaining_extensions"] = models.MaxVideoExtensions - count
	run.Report(ctx, 100, "completed", "Extended video ready")
	return result, nil
}

// storeVideo downloads a provider video and uploads it as the job's artifact.
func (w *Worker) storeVideo(ctx context.Context, run *dispatch.Run, task *models.Task, video *genai.Video) (models.JSONB, error) {
	run.Report(ctx, 85, "downloading", "Downloading generated video")
	data, err := w.deps.Video.Download(ctx, video)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(w.cfg.WorkDir, "video-*")
	if err != nil {
		return nil, failure.Transient(err, "failed to create work dir")
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return nil, failure.Transient(err, "failed to write video")
	}

	run.Report(ctx, 90, "uploading", "Saving video")
	key := storage.ArtifactKey(task.ProjectID, task.JobID, ".mp4")
	url, err := w.uploadWithLimit(ctx, key, local, "video/mp4")
	if err != nil {
		return nil, err
	}

	result := models.JSONB{
		"video_url":      url,
		"storage_path":   key,
		"veo_video_uri":  video.URI,
		"veo_video_name": videoName(video.URI),
	}
	if op := run.Job().ExternalOperationID; op != nil {
		result["operation_id"] = *op
	}
	return result, nil
}

// videoName extracts the provider file name ("files/abc") from a download URI.
func videoName(uri string) string {
	i := strings.Index(uri, "files/")
	if i < 0 {
		return ""
	}
	name := uri[i:]
	if j := strings.IndexAny(name, ":?"); j >= 0 {
		name = name[:j]
	}
	return name
}

func (w *Worker) analyzeFace(ctx context.Context, run *dispatch.Run, task *models.Task) (models.JSONB, error) {
	if w.deps.Faces == nil {
		return nil, notConfigured("face analysis")
	}
	p := task.FaceAnalysis

	run.Report(ctx, 10, "fetching", "Fetching reference image")
	img, mime, err := w.deps.Fetcher.FetchBytes(ctx, p.ImageURL)
	if err != nil {
		return nil, err
	}

	run.Report(ctx, 30, "analyzing", "Analyzing facial features")
	analysis, err := w.deps.Faces.AnalyzeFace(ctx, img, mime, p.CharacterName)
	if err != nil {
		return nil, err
	}

	result, err := toJSONB(analysis)
	if err != nil {
		return nil, err
	}
	result["image_url"] = p.ImageURL
	if p.CharacterName != "" {
		result["character_name"] = p.CharacterName
	}
	run.Report(ctx, 100, "completed", "Face analysis complete")
	return result, nil
}

func (w *Worker) enhancePrompt(ctx context.Context, run *dispatch.Run, task *models.Task) (models.JSONB, error) {
	if w.deps.Prompts == nil {
		return nil, notConfigured("prompt enhancement")
	}
	p := task.PromptEnhancement

	run.Report(ctx, 20, "enhancing", "Enhancing prompt")
	enh, err := w.deps.Prompts.EnhancePrompt(ctx, p.Prompt, p.Style, p.Mood, p.GenerateVariations)
	if err != nil {
		return nil, err
	}
	run.Report(ctx, 100, "completed", "Prompt enhanced")
	return toJSONB(enh)
}

func (w *Worker) stitchVideos(ctx context.Context, run *dispatch.Run, task *models.Task) (models.JSONB, error) {
	if w.deps.Media == nil {
		return nil, notConfigured("media assembly")
	}
	p := task.VideoStitch

	dir, err := os.MkdirTemp(w.cfg.WorkDir, "stitch-out-*")
	if err != nil {
		return nil, failure.Transient(err, "failed to create work dir")
	}
	defer os.RemoveAll(dir)

	ext, contentType, err := outputFormat(p.OutputFormat)
	if err != nil {
		return nil, err
	}
	output := filepath.Join(dir, "stitched"+ext)

	run.Report(ctx, 10, "stitching", fmt.Sprintf("Stitching %d clips", len(p.SourceURLs)))
	res, err := w.deps.Media.Stitch(ctx, media.StitchRequest{
		Sources:            p.SourceURLs,
		Transitions:        p.Transitions,
		TransitionDuration: p.TransitionDuration,
		AspectRatio:        p.AspectRatio,
	}, output)
	if err != nil {
		return nil, err
	}

	run.Report(ctx, 90, "uploading", "Saving stitched video")
	key := storage.ArtifactKey(task.ProjectID, task.JobID, ext)
	url, err := w.uploadWithLimit(ctx, key, output, contentType)
	if err != nil {
		return nil, err
	}

	result, err := toJSONB(res)
	if err != nil {
		return nil, err
	}
	result["video_url"] = url
	result["storage_path"] = key
	run.Report(ctx, 100, "completed", "Stitched video ready")
	return result, nil
}

func (w *Worker) exportVideo(ctx context.Context, run *dispatch.Run, task *models.Task) (models.JSONB, error) {
	if w.deps.Media == nil {
		return nil, notConfigured("media assembly")
	}
	p := task.VideoExport

	dir, err := os.MkdirTemp(w.cfg.WorkDir, "export-out-*")
	if err != nil {
		return nil, failure.Transient(err, "failed to create work dir")
	}
	defer os.RemoveAll(dir)
	output := filepath.Join(dir, "export.mp4")

	run.Report(ctx, 10, "exporting", fmt.Sprintf("Exporting for %s", p.Platform))
	res, err := w.deps.Media.Export(ctx, media.ExportRequest{Source: p.SourceURL, Platform: p.Platform}, output)
	if err != nil {
		return nil, err
	}

	run.Report(ctx, 90, "uploading", "Saving export")
	key := storage.ArtifactKey(task.ProjectID, task.JobID, "-"+p.Platform+".mp4")
	url, err := w.uploadWithLimit(ctx, key, output, "video/mp4")
	if err != nil {
		return nil, err
	}

	result, err := toJSONB(res)
	if err != nil {
		return nil, err
	}
	result["video_url"] = url
	result["storage_path"] = key
	run.Report(ctx, 100, "completed", "Export ready")
	return result, nil
}

func outputFormat(format string) (ext, contentType string, err error) {
	switch strings.ToLower(format) {
	case "", "mp4":
		return ".mp4", "video/mp4", nil
	case "mov":
		return ".mov", "video/quicktime", nil
	default:
		return "", "", failure.Newf(failure.KindInvalid, "unsupported output format %q", format)
	}
}

func toJSONB(v any) (models.JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	var out models.JSONB
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return out, nil
}
