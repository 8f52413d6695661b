package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxVideoExtensions is the provider's limit on how many times one video may be extended.
const MaxVideoExtensions = 20

// Task is the queue payload for every job. Exactly one of the typed parameter
// blocks is set and it must match Type; DecodeTask enforces this once at the
// queue boundary so work functions never see loosely typed data.
type Task struct {
	JobID      uuid.UUID `json:"job_id"`
	NodeID     uuid.UUID `json:"node_id"`
	ProjectID  uuid.UUID `json:"project_id"`
	UserID     uuid.UUID `json:"user_id"`
	Type       JobType   `json:"type"`
	CreditCost int       `json:"credit_cost"`

	VideoGeneration   *VideoGenerationParams   `json:"video_generation,omitempty"`
	VideoExtension    *VideoExtensionParams    `json:"video_extension,omitempty"`
	FaceAnalysis      *FaceAnalysisParams      `json:"face_analysis,omitempty"`
	PromptEnhancement *PromptEnhancementParams `json:"prompt_enhancement,omitempty"`
	VideoStitch       *StitchParams            `json:"video_stitch,omitempty"`
	VideoExport       *ExportParams            `json:"video_export,omitempty"`
}

type VideoGenerationParams struct {
	Prompt               string `json:"prompt" validate:"notblank"`
	ImageURL             string `json:"image_url,omitempty"`
	CharacterDescription string `json:"character_description,omitempty"`
	NegativePrompt       string `json:"negative_prompt,omitempty"`
	Resolution           string `json:"resolution,omitempty" validate:"oneof=720p 1080p"`
	AspectRatio          string `json:"aspect_ratio,omitempty" validate:"oneof=16:9 9:16"`
	Duration             int    `json:"duration,omitempty" validate:"oneof=4 6 8"` // seconds
	Seed                 *int32 `json:"seed,omitempty"`
	NumVideos            int    `json:"num_videos,omitempty" validate:"min=1,max=4"`
	UseFastModel         bool   `json:"use_fast_model,omitempty"`
}

type VideoExtensionParams struct {
	Prompt         string `json:"prompt" validate:"notblank"`
	VeoVideoURI    string `json:"veo_video_uri,omitempty"`
	VideoURL       string `json:"video_url,omitempty"`
	ExtensionCount int    `json:"extension_count" validate:"min=0"`
	AspectRatio    string `json:"aspect_ratio,omitempty" validate:"oneof=16:9 9:16"`
	UseFastModel   bool   `json:"use_fast_model,omitempty"`
}

type FaceAnalysisParams struct {
	ImageURL      string `json:"image_url" validate:"notblank"`
	CharacterName string `json:"character_name,omitempty"`
}

type PromptEnhancementParams struct {
	Prompt             string `json:"prompt" validate:"notblank"`
	Style              string `json:"style,omitempty"`
	Mood               string `json:"mood,omitempty"`
	GenerateVariations bool   `json:"generate_variations,omitempty"`
}

type StitchParams struct {
	SourceURLs         []string `json:"source_urls" validate:"min=2,dive,notblank"`
	Transitions        []string `json:"transitions,omitempty"`
	TransitionDuration float64  `json:"transition_duration,omitempty" validate:"gte=0"`
	AspectRatio        string   `json:"aspect_ratio,omitempty"`
	OutputFormat       string   `json:"output_format,omitempty" validate:"oneof=mp4 mov"`
}

type ExportParams struct {
	SourceURL string `json:"source_url" validate:"notblank"`
	Platform  string `json:"platform" validate:"required"`
}

var paramsValidator = newParamsValidator()

func newParamsValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	}); err != nil {
		panic(err)
	}
	return v
}

// checkParams runs the struct tags on a parameter block and reports the
// first failing field by its json name.
func checkParams(p any) error {
	err := paramsValidator.Struct(p)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return err
	}
	fe := fields[0]
	name := fe.Field()
	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Errorf("%s is required", name)
	case "oneof":
		return fmt.Errorf("unsupported %s %v, want one of: %s", name, fe.Value(), fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Errorf("%s needs at least %s entries, got %d", name, fe.Param(), reflect.ValueOf(fe.Value()).Len())
		}
		return fmt.Errorf("%s must be at least %s", name, fe.Param())
	case "max":
		return fmt.Errorf("%s must be at most %s", name, fe.Param())
	case "gte":
		return fmt.Errorf("%s must not be below %s", name, fe.Param())
	default:
		return fmt.Errorf("%s failed %s validation", name, fe.Tag())
	}
}

// DecodeTask parses and validates a queue payload.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}
	if err := t.Validate(); err != nil {
		return &t, err
	}
	return &t, nil
}

// SetParams decodes raw into the parameter block for t.Type, replacing any
// block already set.
func (t *Task) SetParams(raw json.RawMessage) error {
	t.VideoGeneration, t.VideoExtension, t.FaceAnalysis = nil, nil, nil
	t.PromptEnhancement, t.VideoStitch, t.VideoExport = nil, nil, nil
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var target any
	switch t.Type {
	case JobTypeVideoGeneration:
		t.VideoGeneration = &VideoGenerationParams{}
		target = t.VideoGeneration
	case JobTypeVideoExtension:
		t.VideoExtension = &VideoExtensionParams{}
		target = t.VideoExtension
	case JobTypeFaceAnalysis:
		t.FaceAnalysis = &FaceAnalysisParams{}
		target = t.FaceAnalysis
	case JobTypePromptEnhancement:
		t.PromptEnhancement = &PromptEnhancementParams{}
		target = t.PromptEnhancement
	case JobTypeVideoStitch:
		t.VideoStitch = &StitchParams{}
		target = t.VideoStitch
	case JobTypeVideoExport:
		t.VideoExport = &ExportParams{}
		target = t.VideoExport
	default:
		return fmt.Errorf("unknown job type %q", t.Type)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("invalid params for %s: %w", t.Type, err)
	}
	return nil
}

func (t *Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// Validate checks the envelope and the parameter block for its type, filling
// in defaults on the way.
func (t *Task) Validate() error {
	if t.JobID == uuid.Nil {
		return errors.New("job_id is required")
	}
	if t.NodeID == uuid.Nil {
		return errors.New("node_id is required")
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown job type %q", t.Type)
	}
	if t.CreditCost < 0 {
		return errors.New("credit_cost must not be negative")
	}

	set := 0
	for _, present := range []bool{
		t.VideoGeneration != nil,
		t.VideoExtension != nil,
		t.FaceAnalysis != nil,
		t.PromptEnhancement != nil,
		t.VideoStitch != nil,
		t.VideoExport != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("expected exactly one parameter block, got %d", set)
	}

	switch t.Type {
	case JobTypeVideoGeneration:
		if t.VideoGeneration == nil {
			return typeMismatch(t.Type)
		}
		return t.VideoGeneration.validate()
	case JobTypeVideoExtension:
		if t.VideoExtension == nil {
			return typeMismatch(t.Type)
		}
		return t.VideoExtension.validate()
	case JobTypeFaceAnalysis:
		if t.FaceAnalysis == nil {
			return typeMismatch(t.Type)
		}
		return checkParams(t.FaceAnalysis)
	case JobTypePromptEnhancement:
		if t.PromptEnhancement == nil {
			return typeMismatch(t.Type)
		}
		return checkParams(t.PromptEnhancement)
	case JobTypeVideoStitch:
		if t.VideoStitch == nil {
			return typeMismatch(t.Type)
		}
		return t.VideoStitch.validate()
	case JobTypeVideoExport:
		if t.VideoExport == nil {
			return typeMismatch(t.Type)
		}
		return checkParams(t.VideoExport)
	}
	return nil
}

func typeMismatch(t JobType) error {
	return fmt.Errorf("parameter block does not match job type %q", t)
}

func (p *VideoGenerationParams) validate() error {
	if p.Resolution == "" {
		p.Resolution = "1080p"
	}
	if p.AspectRatio == "" {
		p.AspectRatio = "16:9"
	}
	if p.Duration == 0 {
		p.Duration = 8
	}
	if p.NumVideos == 0 {
		p.NumVideos = 1
	}
	return checkParams(p)
}

func (p *VideoExtensionParams) validate() error {
	if p.AspectRatio == "" {
		p.AspectRatio = "16:9"
	}
	if err := checkParams(p); err != nil {
		return err
	}
	if p.VeoVideoURI == "" && p.VideoURL == "" {
		return errors.New("veo_video_uri or video_url is required")
	}
	if p.ExtensionCount >= MaxVideoExtensions {
		return fmt.Errorf("video has reached the maximum of %d extensions", MaxVideoExtensions)
	}
	return nil
}

func (p *StitchParams) validate() error {
	if p.OutputFormat == "" {
		p.OutputFormat = "mp4"
	}
	p.OutputFormat = strings.ToLower(p.OutputFormat)
	return checkParams(p)
}
