package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bobarin/reelforge/internal/failure"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel = "gpt-5-mini"
	variationCount     = 3
	maxSuggestions     = 5
)

// Enhancement is the rewritten prompt plus optional alternatives.
type Enhancement struct {
	OriginalPrompt string   `json:"original_prompt"`
	EnhancedPrompt string   `json:"enhanced_prompt"`
	Suggestions    []string `json:"suggestions"`
	Variations     []string `json:"variations,omitempty"`
}

type OpenAIService struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

func NewOpenAIService(apiKey, model string, logger zerolog.Logger) *OpenAIService {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		model:  model,
		log:    logger.With().Str("component", "openai").Logger(),
	}
}

// EnhancePrompt rewrites a video prompt with visual and temporal detail.
// When variations is set it also asks for alternative takes.
func (s *OpenAIService) EnhancePrompt(ctx context.Context, prompt, style, mood string, variations bool) (*Enhancement, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: enhanceSystemPrompt(style, mood, variations)},
			{Role: openai.ChatMessageRoleUser, Content: "Original prompt: " + prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 1.0,
	})
	if err != nil {
		return nil, failure.FromProvider(err, "openai request failed")
	}
	if len(resp.Choices) == 0 {
		return nil, failure.New(failure.KindTransient, "no response from openai")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, failure.New(failure.KindTerminal, "prompt rejected by content filter")
	}

	out, err := parseEnhancement(choice.Message.Content, prompt, variations)
	if err != nil {
		s.log.Warn().Err(err).Str("raw", truncateLog(choice.Message.Content, 500)).Msg("enhancement parse failed")
		return nil, failure.Transient(err, "failed to parse enhancement")
	}
	return out, nil
}

func enhanceSystemPrompt(style, mood string, variations bool) string {
	var b strings.Builder
	b.WriteString(`You are an expert at writing prompts for AI video generation with Google Veo.

Enhance the user's prompt for better video generation results:
1. Add specific visual details (lighting, camera angles, movement)
2. Describe how the scene progresses over time
3. Specify style and mood if not already present
4. Add environmental details
5. Stay under 200 words
6. Never describe text, watermarks or logos
`)
	if style != "" {
		fmt.Fprintf(&b, "\nStyle: %s", style)
	}
	if mood != "" {
		fmt.Fprintf(&b, "\nMood: %s", mood)
	}
	b.WriteString("\n\nRespond with a JSON object: {\"enhanced_prompt\": string, \"suggestions\": [up to 5 short improvement tips]")
	if variations {
		fmt.Fprintf(&b, ", \"variations\": [exactly %d alternative prompts that keep the core concept but vary style, mood or perspective]", variationCount)
	}
	b.WriteString("}")
	return b.String()
}

func parseEnhancement(raw, original string, variations bool) (*Enhancement, error) {
	var parsed struct {
		EnhancedPrompt string   `json:"enhanced_prompt"`
		Suggestions    []string `json:"suggestions"`
		Variations     []string `json:"variations"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}

	out := &Enhancement{
		OriginalPrompt: original,
		EnhancedPrompt: strings.TrimSpace(parsed.EnhancedPrompt),
		Suggestions:    parsed.Suggestions,
	}
	if out.EnhancedPrompt == "" {
		out.EnhancedPrompt = original
	}
	if out.Suggestions == nil {
		out.Suggestions = []string{}
	}
	if len(out.Suggestions) > maxSuggestions {
		out.Suggestions = out.Suggestions[:maxSuggestions]
	}
	if variations {
		out.Variations = parsed.Variations
		if len(out.Variations) > variationCount {
			out.Variations = out.Variations[:variationCount]
		}
	}
	return out, nil
}
