package service

import (
	"errors"
	"strings"
	"testing"

	"PrismVideo-server/models"
)

func TestValidateRequest(t *testing.T) {
	v := Validator{MaxShots: 10, MaxDurationS: 60}
	cases := []struct {
		name       string
		prompt     string
		quality    string
		resolution string
		ok         bool
	}{
		{"valid", "健康早餐", "balanced", "1280x720", true},
		{"no resolution", "healthy breakfast", "fast", "", true},
		{"star resolution", "healthy breakfast", "high", "1280*720", true},
		{"short prompt", "a", "fast", "", false},
		{"long prompt", strings.Repeat("x", 1001), "fast", "", false},
		{"bad quality", "healthy breakfast", "ultra", "", false},
		{"bad resolution", "healthy breakfast", "fast", "hd", false},
	}
	for _, tc := range cases {
		err := v.ValidateRequest(tc.prompt, tc.quality, tc.resolution)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestValidatePlanCollectsAllProblems(t *testing.T) {
	v := Validator{MaxShots: 2, MaxDurationS: 15}
	plan := models.ShotPlan{{DurationS: 10}, {DurationS: 10}, {DurationS: 10}}
	err := v.ValidatePlan(plan, "nope")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Problems) != 3 {
		t.Fatalf("problems = %v", verr.Problems)
	}
	if err := v.ValidatePlan(plan[:1], "high"); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
}

func TestValidateFeedback(t *testing.T) {
	if err := ValidateFeedback(" x "); !errors.Is(err, ErrValidation) {
		t.Fatalf("short feedback: %v", err)
	}
	if err := ValidateFeedback(strings.Repeat("好", 501)); !errors.Is(err, ErrValidation) {
		t.Fatalf("long feedback: %v", err)
	}
	if err := ValidateFeedback(strings.Repeat("好", 500)); err != nil {
		t.Fatalf("500 runes must pass: %v", err)
	}
}
