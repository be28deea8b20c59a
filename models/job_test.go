package models_test

import (
	"encoding/json"
	"errors"
	"testing"

	"PrismVideo-server/models"
	"PrismVideo-server/testutil"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestCreateAndGetJob(t *testing.T) {
	db := testutil.NewDB(t)

	job := &models.Job{
		ID:                uuid.NewString(),
		UserInputRedacted: "healthy breakfast",
		QualityMode:       "balanced",
		PIIFlags:          datatypes.JSONSlice[string]{"email"},
	}
	if err := models.CreateJob(db, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.State != models.JobStatePending {
		t.Fatalf("state = %s, want PENDING", job.State)
	}

	got, err := models.GetJobByID(db, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if got.UserInputRedacted != "healthy breakfast" || len(got.PIIFlags) != 1 {
		t.Fatalf("unexpected job: %#v", got)
	}
	if got.ShotPlan != nil || got.Assets != nil {
		t.Fatalf("expected plan and assets to stay nil, got %#v / %#v", got.ShotPlan, got.Assets)
	}

	if _, err := models.GetJobByID(db, "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestTransitionStateAppendsLog(t *testing.T) {
	db := testutil.NewDB(t)
	job := &models.Job{ID: uuid.NewString()}
	if err := models.CreateJob(db, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	steps := []struct {
		to     models.JobState
		reason string
	}{
		{models.JobStateRunning, "processing_started"},
		{models.JobStateSucceeded, "processing_complete"},
	}
	for _, step := range steps {
		if err := models.TransitionState(db, job.ID, step.to, step.reason); err != nil {
			t.Fatalf("TransitionState(%s) failed: %v", step.to, err)
		}
	}

	got, err := models.GetJobByID(db, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if got.State != models.JobStateSucceeded {
		t.Fatalf("state = %s", got.State)
	}
	if len(got.StateTransitions) != 2 {
		t.Fatalf("transitions = %d, want 2", len(got.StateTransitions))
	}
	first := got.StateTransitions[0]
	if first.From != models.JobStatePending || first.To != models.JobStateRunning || first.Reason != "processing_started" {
		t.Fatalf("unexpected first transition: %#v", first)
	}
	last, err := got.LastTransition()
	if err != nil || last.To != models.JobStateSucceeded {
		t.Fatalf("unexpected last transition: %#v (%v)", last, err)
	}
}

func TestTransitionStateNeverReopensClosedJobs(t *testing.T) {
	db := testutil.NewDB(t)
	for _, closed := range []models.JobState{models.JobStateCancelled, models.JobStateFailed} {
		job := &models.Job{ID: uuid.NewString()}
		if err := models.CreateJob(db, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if err := models.TransitionState(db, job.ID, closed, "stop"); err != nil {
			t.Fatalf("TransitionState(%s) failed: %v", closed, err)
		}
		for _, to := range []models.JobState{models.JobStateRunning, models.JobStateSucceeded, models.JobStatePending} {
			if err := models.TransitionState(db, job.ID, to, "late"); !errors.Is(err, models.ErrJobClosed) {
				t.Fatalf("%s -> %s: expected ErrJobClosed, got %v", closed, to, err)
			}
		}
		got, err := models.GetJobByID(db, job.ID)
		if err != nil {
			t.Fatalf("GetJobByID failed: %v", err)
		}
		if got.State != closed || len(got.StateTransitions) != 1 {
			t.Fatalf("state = %s, transitions = %d", got.State, len(got.StateTransitions))
		}
	}
}

func TestTransitionStateAllowsFinalizeReopen(t *testing.T) {
	db := testutil.NewDB(t)
	job := &models.Job{ID: uuid.NewString(), State: models.JobStateSucceeded}
	if err := models.CreateJob(db, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := models.TransitionState(db, job.ID, models.JobStatePending, "finalize_requested"); err != nil {
		t.Fatalf("SUCCEEDED -> PENDING failed: %v", err)
	}
}

func TestTransitionStateFrom(t *testing.T) {
	db := testutil.NewDB(t)
	job := &models.Job{ID: uuid.NewString(), State: models.JobStateSucceeded}
	if err := models.CreateJob(db, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	err := models.TransitionStateFrom(db, job.ID, models.JobStateCancelled, "cancel",
		models.JobStatePending, models.JobStateRunning)
	if !errors.Is(err, models.ErrUnexpectedState) {
		t.Fatalf("expected ErrUnexpectedState, got %v", err)
	}
	if err := models.TransitionStateFrom(db, job.ID, models.JobStatePending, "finalize", models.JobStateSucceeded); err != nil {
		t.Fatalf("TransitionStateFrom failed: %v", err)
	}
}

func TestUpdateAssetsAndSeeds(t *testing.T) {
	db := testutil.NewDB(t)
	job := &models.Job{ID: uuid.NewString()}
	if err := models.CreateJob(db, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	assets := models.ShotAssets{
		{ShotID: "1", VideoURL: "u1"},
		{ShotID: "2", VideoURL: "u2"},
	}
	if err := job.UpdateAssets(db, assets); err != nil {
		t.Fatalf("UpdateAssets failed: %v", err)
	}
	if err := job.UpdateSelectedSeeds(db, map[string]int{"1": 42}); err != nil {
		t.Fatalf("UpdateSelectedSeeds failed: %v", err)
	}
	if err := job.UpdateError(db, "boom"); err != nil {
		t.Fatalf("UpdateError failed: %v", err)
	}

	got, err := models.GetJobByID(db, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if len(got.Assets) != 2 || got.Assets[1].VideoURL != "u2" {
		t.Fatalf("unexpected assets: %#v", got.Assets)
	}
	if got.SelectedSeeds.Data()["1"] != 42 {
		t.Fatalf("unexpected seeds: %#v", got.SelectedSeeds.Data())
	}
	if got.ErrorDetails["message"] != "boom" {
		t.Fatalf("unexpected error details: %#v", got.ErrorDetails)
	}
}

func TestJobStateIsTerminal(t *testing.T) {
	cases := map[models.JobState]bool{
		models.JobStatePending:   false,
		models.JobStateRunning:   false,
		models.JobStateSucceeded: true,
		models.JobStateFailed:    true,
		models.JobStateCancelled: true,
	}
	for state, want := range cases {
		if got := state.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", state, got, want)
		}
	}
}

func TestShotIDAcceptsNumbersAndStrings(t *testing.T) {
	var shots []models.PlannedShot
	raw := `[{"shot_id": 1, "visual_prompt": "a"}, {"shot_id": "s2", "visual_prompt": "b"}]`
	if err := json.Unmarshal([]byte(raw), &shots); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if shots[0].ShotID != "1" || shots[1].ShotID != "s2" {
		t.Fatalf("unexpected ids: %q %q", shots[0].ShotID, shots[1].ShotID)
	}
}

func TestJobScriptReadsIR(t *testing.T) {
	job := models.Job{IR: datatypes.JSON(`{"title":"x","script":"[Scene 1]"}`)}
	if job.Script() != "[Scene 1]" {
		t.Fatalf("Script() = %q", job.Script())
	}
	if (&models.Job{}).Script() != "" {
		t.Fatal("expected empty script without IR")
	}
}

func TestShotPlanTotalDuration(t *testing.T) {
	plan := models.ShotPlan{{DurationS: 10}, {DurationS: 5}}
	if plan.TotalDuration() != 15 {
		t.Fatalf("TotalDuration() = %d", plan.TotalDuration())
	}
	clone := plan.Clone()
	clone[0].DurationS = 99
	if plan[0].DurationS != 10 {
		t.Fatal("Clone shares backing array")
	}
	if models.ShotPlan(nil).Clone() != nil {
		t.Fatal("Clone of nil plan should be nil")
	}
}
