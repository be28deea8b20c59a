package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	ShotStatusPending   = "pending"
	ShotStatusCompleted = "completed"
	ShotStatusFailed    = "failed"
)

// ShotID identifies one shot. The worker emits integer ids while clients use
// strings, so decoding accepts both and keeps the decimal string form.
type ShotID string

func (id *ShotID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ShotID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("shot_id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = ShotID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ShotID(n.String())
	return nil
}

// PlannedShot is one entry of a shot plan.
type PlannedShot struct {
	ShotID       ShotID `json:"shot_id"`
	VisualPrompt string `json:"visual_prompt"`
	Narration    string `json:"narration,omitempty"`
	Camera       string `json:"camera,omitempty"`
	Lighting     string `json:"lighting,omitempty"`
	DurationS    int    `json:"duration"`
	Resolution   string `json:"resolution,omitempty"`
	Seed         int    `json:"seed,omitempty"`
}

// ShotAsset is the rendered artifact for one planned shot.
type ShotAsset struct {
	ShotID     ShotID `json:"shot_id"`
	Seed       int    `json:"seed,omitempty"`
	VideoURL   string `json:"video_url"`
	AudioURL   string `json:"audio_url,omitempty"`
	DurationS  int    `json:"duration_s,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ShotPlan is stored as a JSON column. A nil plan is written as NULL so that
// "not yet planned" survives a round trip distinct from an empty plan.
type ShotPlan []PlannedShot

// ShotAssets is stored as a JSON column with the same NULL convention as ShotPlan.
type ShotAssets []ShotAsset

func (p ShotPlan) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal([]PlannedShot(p))
}

func (p *ShotPlan) Scan(value interface{}) error {
	raw, err := jsonBytes(value)
	if err != nil || raw == nil {
		return err
	}
	return json.Unmarshal(raw, p)
}

func (a ShotAssets) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal([]ShotAsset(a))
}

func (a *ShotAssets) Scan(value interface{}) error {
	raw, err := jsonBytes(value)
	if err != nil || raw == nil {
		return err
	}
	return json.Unmarshal(raw, a)
}

// Clone returns a copy that shares no backing array with p; nil stays nil.
func (p ShotPlan) Clone() ShotPlan {
	if p == nil {
		return nil
	}
	out := make(ShotPlan, len(p))
	copy(out, p)
	return out
}

// Clone returns a copy that shares no backing array with a; nil stays nil.
func (a ShotAssets) Clone() ShotAssets {
	if a == nil {
		return nil
	}
	out := make(ShotAssets, len(a))
	copy(out, a)
	return out
}

// TotalDuration sums the planned durations in seconds.
func (p ShotPlan) TotalDuration() int {
	total := 0
	for _, s := range p {
		total += s.DurationS
	}
	return total
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column value %T", value)
	}
}
