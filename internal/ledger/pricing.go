package ledger

import (
	"github.com/bobarin/reelforge/internal/models"
)

// Operation names as they appear on deduction and refund transactions.
const (
	OpVideoGenerationStandard = "video_generation_standard"
	OpVideoGenerationFast     = "video_generation_fast"
	OpVideoExtensionStandard  = "video_extension_standard"
	OpVideoExtensionFast      = "video_extension_fast"
	OpFaceAnalysis            = "face_analysis"
	OpPromptEnhancement       = "prompt_enhancement"
	OpVideoStitch             = "video_stitch"
	OpVideoExport             = "video_export"
)

var creditCosts = map[string]int{
	OpVideoGenerationStandard: 25,
	OpVideoGenerationFast:     10,
	OpVideoExtensionStandard:  25,
	OpVideoExtensionFast:      10,
	OpFaceAnalysis:            5,
	OpPromptEnhancement:       0,
	OpVideoStitch:             0,
	OpVideoExport:             0,
}

// Cost returns the credit price of op. Unknown operations are free.
func Cost(op string) int {
	return creditCosts[op]
}

// OperationFor names the billable operation a task performs.
func OperationFor(task *models.Task) string {
	switch task.Type {
	case models.JobTypeVideoGeneration:
		if task.VideoGeneration != nil && task.VideoGeneration.UseFastModel {
			return OpVideoGenerationFast
		}
		return OpVideoGenerationStandard
	case models.JobTypeVideoExtension:
		if task.VideoExtension != nil && task.VideoExtension.UseFastModel {
			return OpVideoExtensionFast
		}
		return OpVideoExtensionStandard
	case models.JobTypeFaceAnalysis:
		return OpFaceAnalysis
	case models.JobTypePromptEnhancement:
		return OpPromptEnhancement
	case models.JobTypeVideoStitch:
		return OpVideoStitch
	case models.JobTypeVideoExport:
		return OpVideoExport
	}
	return string(task.Type)
}
