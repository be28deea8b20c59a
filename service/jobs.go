package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"PrismVideo-server/logger"
	"PrismVideo-server/models"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidJobState = errors.New("invalid job state")
)

type GenerateRequest struct {
	Prompt      string `json:"user_prompt"`
	QualityMode string `json:"quality_mode"`
	Resolution  string `json:"resolution"`
	ClientIP    string `json:"-"`
}

type ReviseRequest struct {
	Feedback       string   `json:"feedback"`
	TargetedFields []string `json:"targeted_fields"`
	ClientIP       string   `json:"-"`
}

type FinalizeRequest struct {
	SelectedSeeds map[string]int `json:"selected_seeds"`
	Resolution    string         `json:"resolution"`
}

// JobStatus is the client-facing view of a job.
type JobStatus struct {
	JobID      string            `json:"job_id"`
	Status     models.JobState   `json:"status"`
	Progress   int               `json:"progress"`
	Script     string            `json:"script"`
	ShotPlan   models.ShotPlan   `json:"shot_plan"`
	Assets     models.ShotAssets `json:"assets"`
	Error      map[string]any    `json:"error,omitempty"`
	RevisionOf *string           `json:"revision_of,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type ManagerOptions struct {
	DB        *gorm.DB
	Queue     Enqueuer
	Limiter   RateLimiter
	Worker    *WorkerClient
	Polls     *PollRegistry
	Validator Validator

	MockMode          bool
	MockAssetBaseURL  string
	DefaultQuality    string
	DefaultResolution string
	FinalResolution   string

	Logger *logger.Logger
}

// JobManager owns the job lifecycle: admission, persistence, and the hand-off
// to the background processor (or the canned result in mock mode).
type JobManager struct {
	opts ManagerOptions
	db   *gorm.DB
	log  *logger.Logger
}

func NewJobManager(opts ManagerOptions) *JobManager {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Polls == nil {
		opts.Polls = NewPollRegistry()
	}
	if opts.DefaultQuality == "" {
		opts.DefaultQuality = "balanced"
	}
	if opts.DefaultResolution == "" {
		opts.DefaultResolution = "1280x720"
	}
	if opts.FinalResolution == "" {
		opts.FinalResolution = "1920x1080"
	}
	return &JobManager{opts: opts, db: opts.DB, log: opts.Logger.With("component", "jobs")}
}

func (m *JobManager) MockMode() bool { return m.opts.MockMode }

func (m *JobManager) checkRate(ctx context.Context, clientIP string) error {
	if m.opts.Limiter == nil || clientIP == "" {
		return nil
	}
	d, err := m.opts.Limiter.Allow(ctx, clientIP)
	if err != nil {
		// fail open: a broken limiter must not take generation down
		m.log.Warn("rate limiter unavailable", "error", err)
		return nil
	}
	if !d.Allowed {
		return &RateLimitError{ResetAt: d.ResetAt}
	}
	return nil
}

func (m *JobManager) Generate(ctx context.Context, req GenerateRequest) (*models.Job, error) {
	if req.QualityMode == "" {
		req.QualityMode = m.opts.DefaultQuality
	}
	if req.Resolution == "" {
		req.Resolution = m.opts.DefaultResolution
	}
	if err := m.checkRate(ctx, req.ClientIP); err != nil {
		return nil, err
	}
	if err := m.opts.Validator.ValidateRequest(req.Prompt, req.QualityMode, req.Resolution); err != nil {
		return nil, err
	}

	in := ProcessInput(req.Prompt)
	job := &models.Job{
		ID:                uuid.NewString(),
		UserInputRedacted: in.Redacted,
		UserInputHash:     in.Hash,
		PIIFlags:          datatypes.NewJSONSlice(in.PIIFlags),
		QualityMode:       req.QualityMode,
		Resolution:        req.Resolution,
		SelectedSeeds:     datatypes.NewJSONType(map[string]int{}),
	}
	if err := models.CreateJob(m.db, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	log := m.log.With("job_id", job.ID)
	log.Info("job created", "quality", job.QualityMode, "pii_flags", in.PIIFlags)

	if m.opts.MockMode {
		if err := m.completeMock(job.ID); err != nil {
			return nil, err
		}
		return m.get(job.ID)
	}
	if err := m.enqueue(TypeGenerate, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *JobManager) completeMock(jobID string) error {
	if err := models.TransitionState(m.db, jobID, models.JobStateRunning, "mock_processing_started"); err != nil {
		return err
	}
	plan := MockShotPlan()
	job := &models.Job{ID: jobID}
	err := job.UpdateFields(m.db, map[string]interface{}{
		"ir":               datatypes.JSON(MockIR()),
		"shot_plan":        plan,
		"assets":           MockShotAssets(m.opts.MockAssetBaseURL),
		"total_duration_s": plan.TotalDuration(),
	})
	if err != nil {
		return fmt.Errorf("store mock result: %w", err)
	}
	return models.TransitionState(m.db, jobID, models.JobStateSucceeded, "mock_processing_complete")
}

func (m *JobManager) enqueue(taskType, jobID string) error {
	if m.opts.Queue == nil {
		err := errors.New("no queue configured")
		m.fail(jobID, err)
		return err
	}
	if err := m.opts.Queue.Enqueue(taskType, jobID); err != nil {
		m.fail(jobID, err)
		return err
	}
	return nil
}

func (m *JobManager) fail(jobID string, cause error) {
	job := &models.Job{ID: jobID}
	if err := job.UpdateError(m.db, cause.Error()); err != nil {
		m.log.Error("record job error", "job_id", jobID, "error", err)
	}
	if err := models.TransitionState(m.db, jobID, models.JobStateFailed, cause.Error()); err != nil {
		m.log.Error("mark job failed", "job_id", jobID, "error", err)
	}
}

// Revise creates a child job of parentID that applies feedback.
func (m *JobManager) Revise(ctx context.Context, parentID string, req ReviseRequest) (*models.Job, error) {
	if err := ValidateFeedback(req.Feedback); err != nil {
		return nil, err
	}
	parent, err := m.get(parentID)
	if err != nil {
		return nil, err
	}
	if err := m.checkRate(ctx, req.ClientIP); err != nil {
		return nil, err
	}

	child := &models.Job{
		ID:                uuid.NewString(),
		UserInputRedacted: parent.UserInputRedacted,
		UserInputHash:     parent.UserInputHash,
		PIIFlags:          parent.PIIFlags,
		QualityMode:       parent.QualityMode,
		Resolution:        parent.Resolution,
		RevisionOf:        &parent.ID,
		TargetedFields:    datatypes.NewJSONSlice(req.TargetedFields),
		SelectedSeeds:     datatypes.NewJSONType(map[string]int{}),
	}
	if child.TargetedFields == nil {
		child.TargetedFields = datatypes.NewJSONSlice([]string{})
	}

	if m.opts.MockMode {
		child.IR = reviseIR(parent.IR, req.TargetedFields)
		child.ShotPlan = parent.ShotPlan.Clone()
		child.Assets = parent.Assets.Clone()
		child.TotalDurationS = parent.TotalDurationS
		if err := models.CreateJob(m.db, child); err != nil {
			return nil, fmt.Errorf("create revision: %w", err)
		}
		if err := models.TransitionState(m.db, child.ID, models.JobStateSucceeded, "mock_revision_complete"); err != nil {
			return nil, err
		}
		m.log.Info("mock revision created", "job_id", child.ID, "revision_of", parent.ID)
		return m.get(child.ID)
	}

	child.UserInputRedacted = parent.UserInputRedacted + "\n\nRevision feedback: " + ProcessInput(req.Feedback).Redacted
	if err := models.CreateJob(m.db, child); err != nil {
		return nil, fmt.Errorf("create revision: %w", err)
	}
	m.log.Info("revision created", "job_id", child.ID, "revision_of", parent.ID)
	if err := m.enqueue(TypeGenerate, child.ID); err != nil {
		return nil, err
	}
	return child, nil
}

// reviseIR copies the parent IR and records a narration tone change when
// narration was targeted.
func reviseIR(parent datatypes.JSON, targeted []string) datatypes.JSON {
	ir := map[string]any{}
	if len(parent) > 0 {
		_ = json.Unmarshal(parent, &ir)
	}
	for _, f := range targeted {
		if f != "narration" {
			continue
		}
		audio, _ := ir["audio"].(map[string]any)
		if audio == nil {
			audio = map[string]any{}
		}
		audio["narration_tone"] = "casual"
		ir["audio"] = audio
	}
	raw, _ := json.Marshal(ir)
	return datatypes.JSON(raw)
}

// Finalize re-renders a succeeded job at the final resolution using the
// seeds the user picked during preview.
func (m *JobManager) Finalize(ctx context.Context, jobID string, req FinalizeRequest) (*models.Job, error) {
	job, err := m.get(jobID)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStateSucceeded {
		return nil, fmt.Errorf("%w: job must be in SUCCEEDED state to finalize, current state: %s",
			ErrInvalidJobState, job.State)
	}
	if req.Resolution == "" {
		req.Resolution = m.opts.FinalResolution
	}
	if _, _, ok := parseResolution(req.Resolution); !ok {
		return nil, &ValidationError{Problems: []string{"invalid resolution: " + req.Resolution}}
	}
	if req.SelectedSeeds == nil {
		req.SelectedSeeds = map[string]int{}
	}
	if err := job.UpdateSelectedSeeds(m.db, req.SelectedSeeds); err != nil {
		return nil, fmt.Errorf("store seeds: %w", err)
	}
	if err := job.UpdateFields(m.db, map[string]interface{}{"resolution": req.Resolution}); err != nil {
		return nil, err
	}
	m.log.Info("finalize requested", "job_id", jobID, "resolution", req.Resolution, "seeds", req.SelectedSeeds)

	if m.opts.MockMode {
		assets := job.Assets.Clone()
		for i := range assets {
			assets[i].Resolution = req.Resolution
			if seed, ok := req.SelectedSeeds[string(assets[i].ShotID)]; ok {
				assets[i].Seed = seed
			}
		}
		if err := job.UpdateAssets(m.db, assets); err != nil {
			return nil, err
		}
		if err := models.TransitionState(m.db, jobID, models.JobStateSucceeded, "mock_finalization_complete"); err != nil {
			return nil, err
		}
		return m.get(jobID)
	}

	if err := models.TransitionState(m.db, jobID, models.JobStatePending, "finalize_requested"); err != nil {
		return nil, err
	}
	if err := m.enqueue(TypeFinalize, jobID); err != nil {
		return nil, err
	}
	return m.get(jobID)
}

// Cancel stops a job that has not reached a terminal state.
func (m *JobManager) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.get(jobID)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return nil, fmt.Errorf("%w: job is already %s", ErrInvalidJobState, job.State)
	}
	// mark first so the processor sees CANCELLED when its poll is interrupted
	err = models.TransitionStateFrom(m.db, jobID, models.JobStateCancelled, "cancelled_by_user",
		models.JobStatePending, models.JobStateRunning)
	if errors.Is(err, models.ErrJobClosed) || errors.Is(err, models.ErrUnexpectedState) {
		// finished between the read above and the update
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobState, err)
	}
	if err != nil {
		return nil, err
	}
	if m.opts.Polls.Cancel(jobID) {
		m.log.Info("poll cancelled", "job_id", jobID)
	}
	if m.opts.Worker != nil {
		for _, wid := range job.WorkerJobIDs {
			if err := m.opts.Worker.Cancel(ctx, wid); err != nil {
				m.log.Warn("worker cancel failed", "job_id", jobID, "worker_job_id", wid, "error", err)
			}
		}
	}
	return m.get(jobID)
}

func (m *JobManager) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := m.get(jobID)
	if err != nil {
		return nil, err
	}
	return NewJobStatus(job), nil
}

func (m *JobManager) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return m.get(jobID)
}

func (m *JobManager) get(jobID string) (*models.Job, error) {
	job, err := models.GetJobByID(m.db, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

func NewJobStatus(job *models.Job) *JobStatus {
	st := &JobStatus{
		JobID:      job.ID,
		Status:     job.State,
		Progress:   progressOf(job.State),
		Script:     job.Script(),
		ShotPlan:   job.ShotPlan,
		Assets:     job.Assets,
		RevisionOf: job.RevisionOf,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if st.Script == "" && len(job.ShotPlan) > 0 {
		st.Script = ScriptFromPlan(job.ShotPlan)
	}
	if st.Assets == nil {
		st.Assets = models.ShotAssets{}
	}
	if len(job.ErrorDetails) > 0 {
		st.Error = map[string]any(job.ErrorDetails)
	}
	return st
}

func progressOf(s models.JobState) int {
	switch s {
	case models.JobStateSucceeded:
		return 100
	case models.JobStateRunning:
		return 50
	}
	return 0
}

// ScriptFromPlan renders a plan as "[Scene i]" blocks of visual and narration lines.
func ScriptFromPlan(plan models.ShotPlan) string {
	var lines []string
	for i, shot := range plan {
		lines = append(lines, fmt.Sprintf("[Scene %d]", i+1))
		if shot.VisualPrompt != "" {
			lines = append(lines, "画面: "+shot.VisualPrompt)
		}
		if shot.Narration != "" {
			lines = append(lines, "旁白: "+shot.Narration)
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}
