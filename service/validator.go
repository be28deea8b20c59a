package service

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"PrismVideo-server/models"
)

var ErrValidation = errors.New("validation failed")

// ValidationError carries every problem found, not just the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var qualityModes = map[string]struct{}{
	"fast":     {},
	"balanced": {},
	"high":     {},
}

func ValidQuality(mode string) bool {
	_, ok := qualityModes[mode]
	return ok
}

const (
	minPromptLen   = 2
	maxPromptLen   = 1000
	minFeedbackLen = 2
	maxFeedbackLen = 500
)

type Validator struct {
	MaxShots     int
	MaxDurationS int
}

// ValidateRequest checks a generate request before anything is persisted.
func (v Validator) ValidateRequest(prompt, quality, resolution string) error {
	var problems []string
	n := utf8.RuneCountInString(strings.TrimSpace(prompt))
	if n < minPromptLen {
		problems = append(problems, "prompt is too short")
	}
	if utf8.RuneCountInString(prompt) > maxPromptLen {
		problems = append(problems, fmt.Sprintf("prompt exceeds %d characters", maxPromptLen))
	}
	if !ValidQuality(quality) {
		problems = append(problems, fmt.Sprintf("invalid quality mode: %s", quality))
	}
	if resolution != "" {
		if _, _, ok := parseResolution(resolution); !ok {
			problems = append(problems, fmt.Sprintf("invalid resolution: %s", resolution))
		}
	}
	return asValidationError(problems)
}

// ValidatePlan checks a shot plan produced by the worker.
func (v Validator) ValidatePlan(plan models.ShotPlan, quality string) error {
	var problems []string
	if v.MaxDurationS > 0 && plan.TotalDuration() > v.MaxDurationS {
		problems = append(problems, fmt.Sprintf("total duration exceeds %d seconds limit", v.MaxDurationS))
	}
	if v.MaxShots > 0 && len(plan) > v.MaxShots {
		problems = append(problems, fmt.Sprintf("shot count exceeds %d shots limit", v.MaxShots))
	}
	if !ValidQuality(quality) {
		problems = append(problems, fmt.Sprintf("invalid quality mode: %s", quality))
	}
	return asValidationError(problems)
}

func ValidateFeedback(feedback string) error {
	if utf8.RuneCountInString(strings.TrimSpace(feedback)) < minFeedbackLen {
		return asValidationError([]string{"feedback is too short"})
	}
	if utf8.RuneCountInString(feedback) > maxFeedbackLen {
		return asValidationError([]string{fmt.Sprintf("feedback exceeds %d characters", maxFeedbackLen)})
	}
	return nil
}

func asValidationError(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// parseResolution accepts "WxH" or "W*H".
func parseResolution(s string) (w, h int, ok bool) {
	s = strings.Replace(s, "*", "x", 1)
	if _, err := fmt.Sscanf(s, "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
