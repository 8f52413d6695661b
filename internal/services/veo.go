package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bobarin/reelforge/internal/failure"
	"github.com/bobarin/reelforge/internal/poller"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	defaultVeoModel     = "veo-3.1-generate-preview"
	defaultVeoFastModel = "veo-3.1-fast-generate-preview"

	// Veo only extends at 720p.
	extensionResolution = "720p"
)

// NewGenAIClient creates the Gemini API client shared by the Veo and face
// analysis services.
func NewGenAIClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// GenerationRequest describes a text-to-video or image-to-video request.
type GenerationRequest struct {
	Prompt               string
	CharacterDescription string
	NegativePrompt       string
	Resolution           string
	AspectRatio          string
	DurationSeconds      int
	Seed                 *int32
	NumVideos            int
	Image                []byte // optional first frame
	ImageMIMEType        string
	Fast                 bool
}

// ExtensionRequest continues an existing Veo video.
type ExtensionRequest struct {
	Prompt        string
	VideoURI      string // a Veo file URI from an earlier generation
	Video         []byte // or raw bytes of the source video
	VideoMIMEType string
	AspectRatio   string
	Fast          bool
}

// VeoService starts Veo operations and fetches their output.
type VeoService struct {
	client    *genai.Client
	model     string
	fastModel string
	log       zerolog.Logger
}

func NewVeoService(client *genai.Client, model, fastModel string, logger zerolog.Logger) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	if fastModel == "" {
		fastModel = defaultVeoFastModel
	}
	return &VeoService{
		client:    client,
		model:     model,
		fastModel: fastModel,
		log:       logger.With().Str("component", "veo").Logger(),
	}
}

func (s *VeoService) Model(fast bool) string {
	if fast {
		return s.fastModel
	}
	return s.model
}

// BuildPrompt folds a character description into the prompt so the subject
// stays consistent across clips.
func BuildPrompt(prompt, characterDescription string) string {
	prompt = strings.TrimSpace(prompt)
	if characterDescription = strings.TrimSpace(characterDescription); characterDescription == "" {
		return prompt
	}
	return fmt.Sprintf("%s. Character details: %s", strings.TrimSuffix(prompt, "."), characterDescription)
}

// Generation returns the provider operation for req. Nothing is sent until
// the poller calls Start.
func (s *VeoService) Generation(req GenerationRequest) poller.Operation[*genai.Video] {
	model := s.Model(req.Fast)
	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos:   int32(max(req.NumVideos, 1)),
		AspectRatio:      req.AspectRatio,
		Resolution:       req.Resolution,
		NegativePrompt:   req.NegativePrompt,
		PersonGeneration: "allow_adult",
		Seed:             req.Seed,
	}
	if req.DurationSeconds > 0 {
		d := int32(req.DurationSeconds)
		cfg.DurationSeconds = &d
	}

	prompt := BuildPrompt(req.Prompt, req.CharacterDescription)
	var image *genai.Image
	if len(req.Image) > 0 {
		image = &genai.Image{ImageBytes: req.Image, MIMEType: req.ImageMIMEType}
	}

	return &veoOperation{
		svc: s,
		start: func(ctx context.Context) (*genai.GenerateVideosOperation, error) {
			s.log.Info().Str("model", model).Int("prompt_len", len(prompt)).Bool("image", image != nil).
				Msg("starting video generation")
			return s.client.Models.GenerateVideos(ctx, model, prompt, image, cfg)
		},
	}
}

// Extension returns the provider operation that extends a prior video.
func (s *VeoService) Extension(req ExtensionRequest) poller.Operation[*genai.Video] {
	model := s.Model(req.Fast)
	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos:   1,
		AspectRatio:      req.AspectRatio,
		Resolution:       extensionResolution,
		PersonGeneration: "allow_adult",
	}

	video := &genai.Video{URI: req.VideoURI}
	if req.VideoURI == "" {
		video = &genai.Video{VideoBytes: req.Video, MIMEType: req.VideoMIMEType}
	}
	source := &genai.GenerateVideosSource{Prompt: strings.TrimSpace(req.Prompt), Video: video}

	return &veoOperation{
		svc: s,
		start: func(ctx context.Context) (*genai.GenerateVideosOperation, error) {
			s.log.Info().Str("model", model).Bool("by_uri", req.VideoURI != "").Msg("starting video extension")
			return s.client.Models.GenerateVideosFromSource(ctx, model, source, cfg)
		},
	}
}

// Download returns the bytes of a generated video.
func (s *VeoService) Download(ctx context.Context, v *genai.Video) ([]byte, error) {
	if v == nil {
		return nil, failure.New(failure.KindTransient, "generated video object is nil")
	}
	if len(v.VideoBytes) > 0 {
		return v.VideoBytes, nil
	}

	data, err := s.client.Files.Download(ctx, genai.NewDownloadURIFromVideo(v), nil)
	if err != nil {
		return nil, failure.FromProvider(err, "failed to download generated video")
	}
	if len(data) == 0 {
		return nil, failure.New(failure.KindTransient, "downloaded video is empty (0 bytes)")
	}
	return data, nil
}

type veoOperation struct {
	svc   *VeoService
	start func(ctx context.Context) (*genai.GenerateVideosOperation, error)
}

func (o *veoOperation) Start(ctx context.Context) (string, error) {
	op, err := o.start(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to start video generation: %w", err)
	}
	return op.Name, nil
}

func (o *veoOperation) Poll(ctx context.Context, id string) (poller.Outcome[*genai.Video], error) {
	op, err := o.svc.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: id}, nil)
	if err != nil {
		return poller.Outcome[*genai.Video]{}, err
	}
	return videoOutcome(op), nil
}

// videoOutcome interprets a polled operation. A finished operation without a
// usable video carries the reason in Err.
func videoOutcome(op *genai.GenerateVideosOperation) poller.Outcome[*genai.Video] {
	if !op.Done {
		return poller.Outcome[*genai.Video]{}
	}
	done := func(err error) poller.Outcome[*genai.Video] {
		return poller.Outcome[*genai.Video]{Done: true, Err: err}
	}

	if len(op.Error) > 0 {
		errJSON, _ := json.Marshal(op.Error)
		return done(fmt.Errorf("video generation operation failed: %s", errJSON))
	}
	if op.Response == nil {
		return done(fmt.Errorf("no response in completed operation %s", op.Name))
	}
	if op.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(op.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(op.Response.RAIMediaFilteredReasons, ", ")
		}
		return done(failure.Newf(failure.KindTerminal,
			"video blocked by safety filters: %d video(s) filtered, reasons: %s",
			op.Response.RAIMediaFilteredCount, reasons))
	}
	if len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		return done(fmt.Errorf("no videos in response for operation %s", op.Name))
	}
	return poller.Outcome[*genai.Video]{Done: true, Result: op.Response.GeneratedVideos[0].Video}
}
