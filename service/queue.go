package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"PrismVideo-server/config"
	"PrismVideo-server/logger"
)

const (
	TypeGenerate = "job:generate"
	TypeFinalize = "job:finalize"
)

type JobPayload struct {
	JobID string `json:"job_id"`
}

// Enqueuer hands jobs to the background processor.
type Enqueuer interface {
	Enqueue(taskType, jobID string) error
}

// Queue is the asynq-backed Enqueuer.
type Queue struct {
	client *asynq.Client
	log    *logger.Logger
}

func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
}

func NewQueue(cfg *config.Config, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{
		client: asynq.NewClient(RedisOpt(cfg)),
		log:    log.With("component", "queue"),
	}
}

func (q *Queue) Enqueue(taskType, jobID string) error {
	task, err := NewJobTask(taskType, jobID)
	if err != nil {
		return err
	}
	info, err := q.client.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	q.log.Info("task enqueued", "type", taskType, "job_id", jobID, "task_id", info.ID)
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// NewJobTask builds the asynq task for jobID. Rendering is slow, hence the
// long timeout.
func NewJobTask(taskType, jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(taskType, payload,
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(24*time.Hour),
	), nil
}
