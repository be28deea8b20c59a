package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"PrismVideo-server/config"
	"PrismVideo-server/logger"
	"PrismVideo-server/models"
)

type ProcessorOptions struct {
	DB          *gorm.DB
	Worker      *WorkerClient
	Store       AssetStore
	Polls       *PollRegistry
	Validator   Validator
	MaxParallel int
	Logger      *logger.Logger
}

// Processor consumes job:generate and job:finalize tasks.
type Processor struct {
	db          *gorm.DB
	worker      *WorkerClient
	store       AssetStore
	polls       *PollRegistry
	validator   Validator
	maxParallel int
	log         *logger.Logger
}

func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Polls == nil {
		opts.Polls = NewPollRegistry()
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	return &Processor{
		db:          opts.DB,
		worker:      opts.Worker,
		store:       opts.Store,
		polls:       opts.Polls,
		validator:   opts.Validator,
		maxParallel: opts.MaxParallel,
		log:         opts.Logger.With("component", "processor"),
	}
}

func (p *Processor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerate, p.HandleGenerate)
	mux.HandleFunc(TypeFinalize, p.HandleFinalize)
	return mux
}

// NewServer builds the asynq server the processor runs on.
func NewServer(cfg *config.Config) *asynq.Server {
	return asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
}

// Start runs the processor in the background until srv is shut down.
func (p *Processor) Start(srv *asynq.Server) error {
	p.log.Info("starting task processor")
	return srv.Start(p.Mux())
}

func (p *Processor) loadTask(t *asynq.Task) (*models.Job, error) {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	job, err := models.GetJobByID(p.db, payload.JobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s not found: %w", payload.JobID, asynq.SkipRetry)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", payload.JobID, err)
	}
	return job, nil
}

// HandleGenerate plans the storyboard and renders every shot.
func (p *Processor) HandleGenerate(ctx context.Context, t *asynq.Task) error {
	job, err := p.loadTask(t)
	if err != nil {
		return err
	}
	log := p.log.With("job_id", job.ID, "task", TypeGenerate)
	if job.State.IsTerminal() {
		log.Info("job already finished, skipping", "state", job.State)
		return nil
	}
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.polls.Register(job.ID, cancel)
	defer p.polls.Unregister(job.ID)

	if err := models.TransitionState(p.db, job.ID, models.JobStateRunning, "processing_started"); err != nil {
		return closedOr(err, log)
	}

	tracker := &workerIDs{ids: append([]string(nil), job.WorkerJobIDs...)}

	board, err := p.storyboard(pollCtx, job, tracker)
	if err != nil {
		return p.handleFailure(ctx, job.ID, err, log)
	}
	if err := p.validator.ValidatePlan(board.Shots, job.QualityMode); err != nil {
		return p.handleFailure(ctx, job.ID, err, log)
	}
	err = job.UpdateFields(p.db, map[string]interface{}{
		"ir":               datatypes.JSON(board.raw),
		"shot_plan":        board.Shots,
		"total_duration_s": board.Shots.TotalDuration(),
	})
	if err != nil {
		return err
	}
	log.Info("storyboard stored", "shots", len(board.Shots))

	seeds := map[string]int{}
	assets := p.renderShots(pollCtx, job, board.Shots, board.style(), job.Resolution, seeds, "video.mp4", tracker, log)
	if pollCtx.Err() != nil {
		return p.handleFailure(ctx, job.ID, pollCtx.Err(), log)
	}
	if err := job.UpdateAssets(p.db, assets); err != nil {
		return err
	}
	if countCompleted(assets) == 0 {
		return p.handleFailure(ctx, job.ID, errors.New("all shots failed"), log)
	}
	if err := models.TransitionState(p.db, job.ID, models.JobStateSucceeded, "processing_complete"); err != nil {
		return closedOr(err, log)
	}
	log.Info("job completed", "assets", len(assets))
	return nil
}

// HandleFinalize re-renders each planned shot with its selected seed at the
// job's (final) resolution.
func (p *Processor) HandleFinalize(ctx context.Context, t *asynq.Task) error {
	job, err := p.loadTask(t)
	if err != nil {
		return err
	}
	log := p.log.With("job_id", job.ID, "task", TypeFinalize)
	if job.State.IsTerminal() {
		log.Info("job already finished, skipping", "state", job.State)
		return nil
	}
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.polls.Register(job.ID, cancel)
	defer p.polls.Unregister(job.ID)

	if err := models.TransitionState(p.db, job.ID, models.JobStateRunning, "finalize_started"); err != nil {
		return closedOr(err, log)
	}

	tracker := &workerIDs{ids: append([]string(nil), job.WorkerJobIDs...)}
	seeds := job.SelectedSeeds.Data()
	if seeds == nil {
		seeds = map[string]int{}
	}
	for _, a := range job.Assets {
		if _, ok := seeds[string(a.ShotID)]; !ok && a.Seed != 0 {
			seeds[string(a.ShotID)] = a.Seed
		}
	}
	style := styleOf(job.IR)
	assets := p.renderShots(pollCtx, job, job.ShotPlan, style, job.Resolution, seeds, "final.mp4", tracker, log)
	if pollCtx.Err() != nil {
		return p.handleFailure(ctx, job.ID, pollCtx.Err(), log)
	}
	if err := job.UpdateAssets(p.db, assets); err != nil {
		return err
	}
	if countCompleted(assets) == 0 {
		return p.handleFailure(ctx, job.ID, errors.New("all shots failed"), log)
	}
	if err := models.TransitionState(p.db, job.ID, models.JobStateSucceeded, "finalization_complete"); err != nil {
		return closedOr(err, log)
	}
	log.Info("finalization completed", "resolution", job.Resolution)
	return nil
}

// handleFailure decides between a retry and a terminal failure. Transient
// dispatch errors are retried while asynq has retries left; cancelled jobs
// stay cancelled.
func (p *Processor) handleFailure(ctx context.Context, jobID string, cause error, log *logger.Logger) error {
	job, err := models.GetJobByID(p.db, jobID)
	if err == nil && job.State == models.JobStateCancelled {
		log.Info("job cancelled during processing")
		return nil
	}
	var dispatchErr *dispatchError
	if errors.As(cause, &dispatchErr) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry {
			log.Warn("worker dispatch failed, will retry", "error", cause, "retried", retried)
			return cause
		}
	}
	log.Error("job failed", "error", cause)
	failed := &models.Job{ID: jobID}
	if err := failed.UpdateError(p.db, cause.Error()); err != nil {
		log.Error("record job error", "error", err)
	}
	if err := models.TransitionState(p.db, jobID, models.JobStateFailed, cause.Error()); err != nil {
		return closedOr(err, log)
	}
	return nil
}

// closedOr swallows ErrJobClosed: a job cancelled by another request while
// this task ran keeps its CANCELLED state and the task is not retried.
func closedOr(err error, log *logger.Logger) error {
	if errors.Is(err, models.ErrJobClosed) {
		log.Info("job closed during processing, dropping result", "reason", err)
		return nil
	}
	return err
}

type dispatchError struct{ err error }

func (e *dispatchError) Error() string { return "dispatch: " + e.err.Error() }
func (e *dispatchError) Unwrap() error { return e.err }

// workerIDs collects the worker job ids of one task so Cancel can reach them.
type workerIDs struct {
	mu  sync.Mutex
	ids []string
}

func (p *Processor) track(job *models.Job, tr *workerIDs, id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.ids = append(tr.ids, id)
	ids := append([]string(nil), tr.ids...)
	err := job.UpdateFields(p.db, map[string]interface{}{"worker_job_ids": datatypes.NewJSONSlice(ids)})
	if err != nil {
		p.log.Warn("record worker job id", "job_id", job.ID, "error", err)
	}
}

type storyboard struct {
	Title  string          `json:"title"`
	Style  json.RawMessage `json:"style"`
	Script string          `json:"script"`
	Shots  models.ShotPlan `json:"shots"`
	raw    []byte
}

func (b *storyboard) style() string {
	return styleOf(b.raw)
}

// styleOf reads the IR style, which is either a string or {"visual": "..."}.
func styleOf(ir []byte) string {
	if len(ir) == 0 {
		return ""
	}
	var doc struct {
		Style json.RawMessage `json:"style"`
	}
	if err := json.Unmarshal(ir, &doc); err != nil || len(doc.Style) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(doc.Style, &s); err == nil {
		return s
	}
	var obj struct {
		Visual string `json:"visual"`
	}
	_ = json.Unmarshal(doc.Style, &obj)
	return obj.Visual
}

func (p *Processor) storyboard(ctx context.Context, job *models.Job, tr *workerIDs) (*storyboard, error) {
	wid, err := p.worker.Dispatch(ctx, WorkerRequest{
		ID:    uuid.NewString(),
		JobID: job.ID,
		Type:  WorkerTypeStoryboard,
		Parameters: map[string]interface{}{
			"story_text":     job.UserInputRedacted,
			"quality_mode":   job.QualityMode,
			"resolution":     job.Resolution,
			"max_shots":      p.validator.MaxShots,
			"max_duration_s": p.validator.MaxDurationS,
		},
	})
	if err != nil {
		return nil, &dispatchError{err: err}
	}
	p.track(job, tr, wid)

	res, err := p.worker.Poll(ctx, wid)
	if err != nil {
		return nil, err
	}
	if res.ResourceURL == "" {
		return nil, errors.New("storyboard result missing resource url")
	}
	body, _, err := p.worker.Download(ctx, res.ResourceURL)
	if err != nil {
		return nil, fmt.Errorf("download storyboard: %w", err)
	}
	defer body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode storyboard: %w", err)
	}
	var board storyboard
	if err := json.Unmarshal(raw, &board); err != nil {
		return nil, fmt.Errorf("decode storyboard: %w", err)
	}
	if len(board.Shots) == 0 {
		return nil, errors.New("storyboard has no shots")
	}
	for i := range board.Shots {
		if board.Shots[i].ShotID == "" {
			board.Shots[i].ShotID = models.ShotID(fmt.Sprint(i + 1))
		}
	}
	board.raw = raw
	return &board, nil
}

// renderShots dispatches one video request per shot, at most maxParallel at
// a time. A failing shot is recorded on its asset and does not stop the rest.
func (p *Processor) renderShots(ctx context.Context, job *models.Job, plan models.ShotPlan, style, resolution string,
	seeds map[string]int, fileName string, tr *workerIDs, log *logger.Logger) models.ShotAssets {
	assets := make(models.ShotAssets, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxParallel)

	for i, shot := range plan {
		if seed, ok := seeds[string(shot.ShotID)]; ok {
			shot.Seed = seed
		}
		g.Go(func() error {
			asset, err := p.renderShot(gctx, job, shot, style, resolution, fileName, tr)
			if err != nil {
				log.Warn("shot failed", "shot_id", shot.ShotID, "error", err)
				asset = models.ShotAsset{
					ShotID:     shot.ShotID,
					Seed:       shot.Seed,
					Resolution: resolution,
					Status:     models.ShotStatusFailed,
					Error:      err.Error(),
				}
			}
			assets[i] = asset
			return nil
		})
	}
	_ = g.Wait()
	return assets
}

func (p *Processor) renderShot(ctx context.Context, job *models.Job, shot models.PlannedShot, style, resolution, fileName string, tr *workerIDs) (models.ShotAsset, error) {
	compiled := CompilePrompt(shot, style, resolution)
	wid, err := p.worker.Dispatch(ctx, WorkerRequest{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Type:       WorkerTypeVideo,
		Parameters: compiled,
	})
	if err != nil {
		return models.ShotAsset{}, err
	}
	p.track(job, tr, wid)

	res, err := p.worker.Poll(ctx, wid)
	if err != nil {
		return models.ShotAsset{}, err
	}
	if res.ResourceURL == "" {
		return models.ShotAsset{}, errors.New("video result missing resource url")
	}
	url := res.ResourceURL
	if p.store != nil {
		body, size, err := p.worker.Download(ctx, res.ResourceURL)
		if err != nil {
			return models.ShotAsset{}, err
		}
		defer body.Close()
		object := fmt.Sprintf("shots/%s/%s/%s", job.ID, shot.ShotID, fileName)
		if url, err = p.store.Put(ctx, object, body, size); err != nil {
			return models.ShotAsset{}, err
		}
	}
	seed := compiled.Seed
	if res.Seed != 0 {
		seed = res.Seed
	}
	return models.ShotAsset{
		ShotID:     shot.ShotID,
		Seed:       seed,
		VideoURL:   url,
		DurationS:  compiled.DurationS,
		Resolution: resolution,
		Status:     models.ShotStatusCompleted,
	}, nil
}

func countCompleted(assets models.ShotAssets) int {
	n := 0
	for _, a := range assets {
		if a.Status == models.ShotStatusCompleted {
			n++
		}
	}
	return n
}
