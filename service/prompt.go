package service

import (
	"strings"

	"PrismVideo-server/models"
)

const defaultSeed = 12345

// CompiledPrompt is the per-shot request body sent to the video worker.
type CompiledPrompt struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Size           string `json:"size"`
	DurationS      int    `json:"duration"`
	Seed           int    `json:"seed"`
	PromptExtend   bool   `json:"prompt_extend"`
	Watermark      bool   `json:"watermark"`
}

// CompilePrompt flattens a planned shot into "visual, Camera: c, Lighting: l,
// Style: s", skipping empty parts. resolution overrides the shot's own.
func CompilePrompt(shot models.PlannedShot, style, resolution string) CompiledPrompt {
	parts := make([]string, 0, 4)
	if shot.VisualPrompt != "" {
		parts = append(parts, shot.VisualPrompt)
	}
	if shot.Camera != "" {
		parts = append(parts, "Camera: "+shot.Camera)
	}
	if shot.Lighting != "" {
		parts = append(parts, "Lighting: "+shot.Lighting)
	}
	if style != "" {
		parts = append(parts, "Style: "+style)
	}

	if resolution == "" {
		resolution = shot.Resolution
	}
	duration := shot.DurationS
	if duration <= 0 {
		duration = 5
	}
	seed := shot.Seed
	if seed == 0 {
		seed = defaultSeed
	}
	return CompiledPrompt{
		Prompt:    strings.Join(parts, ", "),
		Size:      strings.Replace(resolution, "x", "*", 1),
		DurationS: duration,
		Seed:      seed,
	}
}
