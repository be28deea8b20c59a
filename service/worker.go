package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"PrismVideo-server/logger"
)

var ErrWorkerFailed = errors.New("worker reported failure")

// WorkerResult is the finished output of one worker job.
type WorkerResult struct {
	ResourceURL string          `json:"resource_url"`
	Seed        int             `json:"seed,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// WorkerRequest is the body of POST /v1/generate.
type WorkerRequest struct {
	ID         string      `json:"id"`
	JobID      string      `json:"job_id"`
	Type       string      `json:"type"`
	Parameters interface{} `json:"parameters"`
}

const (
	WorkerTypeStoryboard = "storyboard"
	WorkerTypeVideo      = "generate_video"
)

// WorkerClient talks to the external generation worker.
type WorkerClient struct {
	Endpoint     string
	PollInterval time.Duration
	Timeout      time.Duration
	HTTP         *http.Client
	log          *logger.Logger
}

func NewWorkerClient(endpoint string, pollInterval, timeout time.Duration, log *logger.Logger) *WorkerClient {
	if log == nil {
		log = logger.Nop()
	}
	return &WorkerClient{
		Endpoint:     strings.TrimRight(endpoint, "/"),
		PollInterval: pollInterval,
		Timeout:      timeout,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		log:          log.With("component", "worker"),
	}
}

// Dispatch submits a request and returns the worker's job id.
func (c *WorkerClient) Dispatch(ctx context.Context, reqBody WorkerRequest) (string, error) {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}
	url := c.Endpoint + "/v1/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.log.Debug("dispatch", "url", url, "type", reqBody.Type, "job_id", reqBody.JobID)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return "", fmt.Errorf("worker status code: %d", resp.StatusCode)
	}
	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("decode response failed: %w", err)
	}
	if id, ok := respData["id"].(string); ok && id != "" {
		return id, nil
	}
	if id, ok := respData["job_id"].(string); ok && id != "" {
		return id, nil
	}
	return "", fmt.Errorf("response missing 'id'")
}

type workerJob struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Poll waits for a worker job to finish. Transient network and decode errors
// are logged and retried until ctx is done or the timeout elapses.
func (c *WorkerClient) Poll(ctx context.Context, workerJobID string) (*WorkerResult, error) {
	url := fmt.Sprintf("%s/v1/jobs/%s", c.Endpoint, workerJobID)
	timeout := time.NewTimer(c.Timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout.C:
			return nil, fmt.Errorf("polling %s: timeout after %s", workerJobID, c.Timeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("polling %s canceled: %w", workerJobID, ctx.Err())
		case <-ticker.C:
		}

		job, err := c.fetch(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("polling %s canceled: %w", workerJobID, ctx.Err())
			}
			c.log.Warn("poll failed, retrying", "worker_job_id", workerJobID, "error", err)
			continue
		}
		switch strings.ToLower(job.Status) {
		case "finished", "success", "completed", "succeeded":
			res := &WorkerResult{Raw: job.Result}
			if len(job.Result) > 0 {
				var body struct {
					ResourceURL  string `json:"resource_url"`
					ResourceURL2 string `json:"resourceUrl"`
					Seed         int    `json:"seed"`
				}
				if err := json.Unmarshal(job.Result, &body); err == nil {
					res.ResourceURL = body.ResourceURL
					if res.ResourceURL == "" {
						res.ResourceURL = body.ResourceURL2
					}
					res.Seed = body.Seed
				}
			}
			return res, nil
		case "failed", "error":
			return nil, fmt.Errorf("%w: %s", ErrWorkerFailed, job.Error)
		}
	}
}

func (c *WorkerClient) fetch(ctx context.Context, url string) (*workerJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var job workerJob
	if err := json.Unmarshal(body, &job); err != nil {
		if len(body) > 2000 {
			body = append(body[:2000], "..."...)
		}
		return nil, fmt.Errorf("decode job: %w, body: %s", err, body)
	}
	return &job, nil
}

// Cancel asks the worker to drop a job.
func (c *WorkerClient) Cancel(ctx context.Context, workerJobID string) error {
	if workerJobID == "" {
		return fmt.Errorf("empty job id")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.Endpoint+"/v1/jobs/"+workerJobID, nil)
	if err != nil {
		return fmt.Errorf("create delete request failed: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("worker delete request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		var respData map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&respData)
		return fmt.Errorf("worker delete status: %d, body: %+v", resp.StatusCode, respData)
	}
	return nil
}

// Download fetches a worker resource.
func (c *WorkerClient) Download(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("download status: %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// PollRegistry maps job ids to the cancel funcs of their running polls so
// that a cancel request can stop a processor mid-poll.
type PollRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func NewPollRegistry() *PollRegistry {
	return &PollRegistry{m: make(map[string]context.CancelFunc)}
}

func (p *PollRegistry) Register(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[jobID] = cancel
}

func (p *PollRegistry) Unregister(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, jobID)
}

// Cancel stops the poll for jobID and reports whether one was running.
func (p *PollRegistry) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.m[jobID]; ok {
		cancel()
		delete(p.m, jobID)
		return true
	}
	return false
}
