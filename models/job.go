package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobState is the server-side lifecycle of a generation job.
type JobState string

const (
	// PENDING: job recorded, waiting for the processor
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	// CANCELLED: stopped by a user request before finishing
	JobStateCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether no further processing happens in state s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// StateTransition is one entry of a job's transition log.
type StateTransition struct {
	From      JobState  `json:"from"`
	To        JobState  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Transitions is the append-only transition log column.
type Transitions []StateTransition

func (t Transitions) Value() (driver.Value, error) {
	if t == nil {
		return json.Marshal([]StateTransition{})
	}
	return json.Marshal([]StateTransition(t))
}

func (t *Transitions) Scan(value interface{}) error {
	raw, err := jsonBytes(value)
	if err != nil || raw == nil {
		return err
	}
	return json.Unmarshal(raw, t)
}

type Job struct {
	ID                string                             `gorm:"primaryKey;type:varchar(64)" json:"job_id"`
	State             JobState                           `gorm:"type:varchar(16);index" json:"status"`
	UserInputRedacted string                             `gorm:"type:text" json:"user_input_redacted"`
	UserInputHash     string                             `gorm:"type:varchar(64);index" json:"user_input_hash"`
	PIIFlags          datatypes.JSONSlice[string]        `json:"pii_flags"`
	QualityMode       string                             `gorm:"type:varchar(16)" json:"quality_mode"`
	Resolution        string                             `gorm:"type:varchar(16)" json:"resolution"`
	TotalDurationS    int                                `json:"total_duration_s"`
	IR                datatypes.JSON                     `json:"ir,omitempty"`
	ShotPlan          ShotPlan                           `gorm:"type:json" json:"shot_plan"`
	Assets            ShotAssets                         `gorm:"type:json" json:"assets"`
	WorkerJobIDs      datatypes.JSONSlice[string]        `json:"worker_job_ids,omitempty"`
	RevisionOf        *string                            `gorm:"type:varchar(64)" json:"revision_of,omitempty"`
	TargetedFields    datatypes.JSONSlice[string]        `json:"targeted_fields,omitempty"`
	SelectedSeeds     datatypes.JSONType[map[string]int] `json:"selected_seeds"`
	ErrorDetails      datatypes.JSONMap                  `json:"error_details,omitempty"`
	StateTransitions  Transitions                        `gorm:"type:json" json:"state_transitions"`
	CreatedAt         time.Time                          `json:"created_at"`
	UpdatedAt         time.Time                          `json:"updated_at"`
}

func (Job) TableName() string {
	return "job"
}

// Script returns the IR script when present. The IR is opaque apart from this key.
func (j *Job) Script() string {
	if len(j.IR) == 0 {
		return ""
	}
	var ir struct {
		Script string `json:"script"`
	}
	if err := json.Unmarshal(j.IR, &ir); err != nil {
		return ""
	}
	return ir.Script
}

func CreateJob(db *gorm.DB, job *Job) error {
	if job.State == "" {
		job.State = JobStatePending
	}
	if job.StateTransitions == nil {
		job.StateTransitions = Transitions{}
	}
	return db.Create(job).Error
}

func GetJobByID(db *gorm.DB, id string) (*Job, error) {
	var job Job
	if err := db.First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

var (
	// ErrJobClosed is returned for any move out of FAILED or CANCELLED.
	ErrJobClosed = errors.New("job is closed")
	// ErrUnexpectedState is returned by TransitionStateFrom when the job is
	// not in one of the expected states.
	ErrUnexpectedState = errors.New("unexpected job state")
)

// Closed reports whether the job can never move again. SUCCEEDED is terminal
// but not closed: finalize sends it back to PENDING.
func (s JobState) Closed() bool {
	return s == JobStateFailed || s == JobStateCancelled
}

const transitionAttempts = 3

// TransitionState moves the job to state to and appends the move to its
// transition log in one transaction. Closed jobs are never reopened.
func TransitionState(db *gorm.DB, id string, to JobState, reason string) error {
	return transition(db, id, to, reason, nil)
}

// TransitionStateFrom is TransitionState that also requires the current state
// to be one of from.
func TransitionStateFrom(db *gorm.DB, id string, to JobState, reason string, from ...JobState) error {
	return transition(db, id, to, reason, from)
}

var errStateRace = errors.New("job state changed concurrently")

func transition(db *gorm.DB, id string, to JobState, reason string, from []JobState) error {
	for range transitionAttempts {
		err := db.Transaction(func(tx *gorm.DB) error {
			var job Job
			if err := tx.First(&job, "id = ?", id).Error; err != nil {
				return err
			}
			if job.State.Closed() {
				return fmt.Errorf("%w: %s is %s", ErrJobClosed, id, job.State)
			}
			if from != nil && !slices.Contains(from, job.State) {
				return fmt.Errorf("%w: %s is %s", ErrUnexpectedState, id, job.State)
			}
			log := append(job.StateTransitions.clone(), StateTransition{
				From:      job.State,
				To:        to,
				Timestamp: time.Now().UTC(),
				Reason:    reason,
			})
			// compare-and-set on the state read above
			res := tx.Model(&Job{}).Where("id = ? AND state = ?", id, job.State).Updates(map[string]interface{}{
				"state":             to,
				"state_transitions": log,
				"updated_at":        time.Now(),
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errStateRace
			}
			return nil
		})
		if !errors.Is(err, errStateRace) {
			return err
		}
	}
	return fmt.Errorf("transition %s to %s: %w", id, to, errStateRace)
}

// UpdateFields writes the given columns and bumps updated_at.
func (j *Job) UpdateFields(db *gorm.DB, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	return db.Model(&Job{ID: j.ID}).Updates(updates).Error
}

func (j *Job) UpdateAssets(db *gorm.DB, assets ShotAssets) error {
	j.Assets = assets
	return j.UpdateFields(db, map[string]interface{}{"assets": assets})
}

func (j *Job) UpdateError(db *gorm.DB, message string) error {
	details := datatypes.JSONMap{"message": message}
	j.ErrorDetails = details
	return j.UpdateFields(db, map[string]interface{}{"error_details": details})
}

func (j *Job) UpdateSelectedSeeds(db *gorm.DB, seeds map[string]int) error {
	v := datatypes.NewJSONType(seeds)
	j.SelectedSeeds = v
	return j.UpdateFields(db, map[string]interface{}{"selected_seeds": v})
}

func (t Transitions) clone() Transitions {
	out := make(Transitions, len(t), len(t)+1)
	copy(out, t)
	return out
}

// LastTransition returns the newest log entry.
func (j *Job) LastTransition() (StateTransition, error) {
	if len(j.StateTransitions) == 0 {
		return StateTransition{}, fmt.Errorf("job %s has no transitions", j.ID)
	}
	return j.StateTransitions[len(j.StateTransitions)-1], nil
}
