package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"PrismVideo-server/logger"
	"PrismVideo-server/models"
	"PrismVideo-server/workflow"
)

// JobService is the part of JobManager the session syncer drives.
type JobService interface {
	Generate(ctx context.Context, req GenerateRequest) (*models.Job, error)
	Revise(ctx context.Context, parentID string, req ReviseRequest) (*models.Job, error)
	Finalize(ctx context.Context, jobID string, req FinalizeRequest) (*models.Job, error)
	Status(ctx context.Context, jobID string) (*JobStatus, error)
}

const (
	msgGenerating = "收到！正在为你生成分镜脚本和视频，请稍候…"
	msgRevising   = "好的，正在根据你的意见修改视频…"
	msgReady      = "视频预览已生成，可以在右侧查看并继续修改。"
	msgRendering  = "正在以高清分辨率渲染最终视频…"
	msgCompleted  = "最终视频已渲染完成！"
	msgFailed     = "抱歉，视频生成失败：%s"
)

// Syncer feeds job progress into a session's workflow store. It is the only
// writer of phase, job id, script, plan and assets for sessions driven
// through the generate/revise/finalize endpoints.
type Syncer struct {
	jobs     JobService
	interval time.Duration
	log      *logger.Logger
}

func NewSyncer(jobs JobService, interval time.Duration, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Syncer{jobs: jobs, interval: interval, log: log.With("component", "sync")}
}

// StartGeneration records the prompt, submits a job and starts watching it.
func (s *Syncer) StartGeneration(ctx context.Context, sess *workflow.Session, req GenerateRequest) (*models.Job, error) {
	if err := sess.CheckAppState(workflow.PhaseThinking); err != nil {
		return nil, err
	}
	if err := sess.AddMessage(workflow.RoleUser, req.Prompt); err != nil {
		return nil, err
	}
	if err := sess.SetAppState(workflow.PhaseThinking); err != nil {
		return nil, err
	}
	job, err := s.jobs.Generate(ctx, req)
	if err != nil {
		s.reportFailure(sess, err.Error())
		return nil, err
	}
	if err := s.begin(ctx, sess, job, msgGenerating, workflow.PhaseGenerating, false); err != nil {
		return nil, err
	}
	return job, nil
}

// StartRevision revises the session's current job with user feedback.
func (s *Syncer) StartRevision(ctx context.Context, sess *workflow.Session, req ReviseRequest) (*models.Job, error) {
	parent := sess.Snapshot().JobID()
	if parent == "" {
		return nil, fmt.Errorf("%w: session has no job to revise", ErrInvalidJobState)
	}
	if err := sess.CheckAppState(workflow.PhaseThinking); err != nil {
		return nil, err
	}
	if err := sess.AddMessage(workflow.RoleUser, req.Feedback); err != nil {
		return nil, err
	}
	if err := sess.SetAppState(workflow.PhaseThinking); err != nil {
		return nil, err
	}
	job, err := s.jobs.Revise(ctx, parent, req)
	if err != nil {
		s.reportFailure(sess, err.Error())
		return nil, err
	}
	if err := s.begin(ctx, sess, job, msgRevising, workflow.PhaseGenerating, false); err != nil {
		return nil, err
	}
	return job, nil
}

// StartFinalize renders the current job at final quality.
func (s *Syncer) StartFinalize(ctx context.Context, sess *workflow.Session, req FinalizeRequest) (*models.Job, error) {
	jobID := sess.Snapshot().JobID()
	if jobID == "" {
		return nil, fmt.Errorf("%w: session has no job to finalize", ErrInvalidJobState)
	}
	if err := sess.CheckAppState(workflow.PhaseRendering); err != nil {
		return nil, err
	}
	job, err := s.jobs.Finalize(ctx, jobID, req)
	if err != nil {
		return nil, err
	}
	if err := s.begin(ctx, sess, job, msgRendering, workflow.PhaseRendering, true); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Syncer) begin(ctx context.Context, sess *workflow.Session, job *models.Job, ack string, phase workflow.Phase, finalizing bool) error {
	id := job.ID
	if sess.Snapshot().JobID() != id {
		// plan and assets belong to the previous job
		if err := sess.SetShotPlan(nil); err != nil {
			return err
		}
		if err := sess.SetShotAssets(nil); err != nil {
			return err
		}
	}
	if err := sess.SetCurrentJobID(&id); err != nil {
		return err
	}
	if err := sess.AddMessage(workflow.RoleAI, ack); err != nil {
		return err
	}
	if err := sess.SetAppState(phase); err != nil {
		return err
	}
	watchCtx := sess.Watch(context.WithoutCancel(ctx))
	go s.watch(watchCtx, sess, id, finalizing)
	return nil
}

// watch polls the job until it is terminal, the context ends or the session
// moves on to another job.
func (s *Syncer) watch(ctx context.Context, sess *workflow.Session, jobID string, finalizing bool) {
	log := s.log.With("session_id", sess.ID(), "job_id", jobID)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if sess.Snapshot().JobID() != jobID {
			log.Debug("job superseded, stopping watch")
			return
		}
		st, err := s.jobs.Status(ctx, jobID)
		switch {
		case errors.Is(err, ErrJobNotFound):
			log.Warn("watched job disappeared")
			return
		case err != nil:
			log.Warn("status poll failed", "error", err)
		default:
			if s.apply(sess, st, finalizing) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// apply copies one status into the store and reports whether the job is done.
// The plan is replaced whenever its content differs so that shotAssets[i]
// always belongs to shotPlan[i].
func (s *Syncer) apply(sess *workflow.Session, st *JobStatus, finalizing bool) bool {
	snap := sess.Snapshot()
	if len(st.ShotPlan) > 0 && !slices.Equal(snap.ShotPlan, st.ShotPlan) {
		_ = sess.SetShotPlan(st.ShotPlan)
	}
	if st.Script != "" && st.Script != snap.Script {
		if snap.Script != "" && strings.HasPrefix(st.Script, snap.Script) {
			_ = sess.AppendScript(st.Script[len(snap.Script):])
		} else {
			_ = sess.SetScript(st.Script)
		}
	}

	switch st.Status {
	case models.JobStateSucceeded:
		_ = sess.SetShotAssets(st.Assets)
		if finalizing {
			_ = sess.AddMessage(workflow.RoleAI, msgCompleted)
			_ = sess.SetAppState(workflow.PhaseCompleted)
		} else {
			_ = sess.AddMessage(workflow.RoleAI, msgReady)
			_ = sess.SetAppState(workflow.PhaseEditing)
		}
		return true
	case models.JobStateFailed, models.JobStateCancelled:
		reason := string(st.Status)
		if msg, ok := st.Error["message"].(string); ok && msg != "" {
			reason = msg
		}
		s.reportFailure(sess, reason)
		return true
	}
	return false
}

func (s *Syncer) reportFailure(sess *workflow.Session, reason string) {
	_ = sess.AddMessage(workflow.RoleAI, fmt.Sprintf(msgFailed, reason))
	_ = sess.SetAppState(workflow.PhaseFailed)
}
