package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bobarin/reelforge/internal/failure"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

const faceAnalysisPrompt = `Analyze this face image in detail for video generation character consistency.

Return a JSON object with these keys:
{
  "face_shape": "oval/round/square/heart/oblong",
  "skin_tone": "fair/light/medium/olive/tan/dark/deep",
  "eye_color": "specific color",
  "hair": {"color": "...", "style": "...", "length": "short/medium/long", "texture": "straight/wavy/curly/coily"},
  "age_range": "estimated range like 25-30",
  "distinctive_features": ["unique identifying features"],
  "video_prompt_description": "one paragraph describing this person for video generation, focusing on their most distinctive and consistent features"
}`

// FaceAnalysis is the structured description of a reference face.
type FaceAnalysis struct {
	FaceShape              string         `json:"face_shape"`
	SkinTone               string         `json:"skin_tone"`
	EyeColor               string         `json:"eye_color"`
	Hair                   map[string]any `json:"hair,omitempty"`
	AgeRange               string         `json:"age_range"`
	DistinctiveFeatures    []string       `json:"distinctive_features"`
	VideoPromptDescription string         `json:"video_prompt_description"`
}

// GeminiService analyzes reference images with a Gemini model.
type GeminiService struct {
	client *genai.Client
	model  string
	log    zerolog.Logger
}

func NewGeminiService(client *genai.Client, model string, logger zerolog.Logger) *GeminiService {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiService{
		client: client,
		model:  model,
		log:    logger.With().Str("component", "gemini").Logger(),
	}
}

// AnalyzeFace describes the face in image. A prompt the model refuses is a
// terminal failure.
func (s *GeminiService) AnalyzeFace(ctx context.Context, image []byte, mimeType, characterName string) (*FaceAnalysis, error) {
	prompt := faceAnalysisPrompt
	if characterName != "" {
		prompt += fmt.Sprintf("\n\nThe character's name is %q. Do not include the name in the description.", characterName)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, mimeType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	temperature := float32(0.2)

	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      &temperature,
	})
	if err != nil {
		return nil, failure.FromProvider(err, "face analysis request failed")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, failure.Newf(failure.KindTerminal, "face analysis blocked: %s %s",
			resp.PromptFeedback.BlockReason, resp.PromptFeedback.BlockReasonMessage)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, failure.New(failure.KindTransient, "empty face analysis response")
	}

	analysis, err := parseFaceAnalysis(text)
	if err != nil {
		s.log.Warn().Err(err).Str("raw", truncateLog(text, 500)).Msg("face analysis was not valid JSON")
		return nil, failure.Transient(err, "failed to parse face analysis")
	}
	return analysis, nil
}

// parseFaceAnalysis accepts bare JSON or JSON wrapped in a markdown fence.
func parseFaceAnalysis(text string) (*FaceAnalysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var a FaceAnalysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
		return nil, err
	}
	if a.VideoPromptDescription == "" {
		return nil, fmt.Errorf("video_prompt_description missing")
	}
	return &a, nil
}

func truncateLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
