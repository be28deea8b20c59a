package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"PrismVideo-server/models"
	"PrismVideo-server/testutil"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStore) Put(_ context.Context, name string, r io.Reader, _ int64) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[name] = b
	return "https://assets.test/" + name, nil
}

func newTestProcessor(t *testing.T, fw *fakeWorker, store AssetStore) (*Processor, *JobManager) {
	t.Helper()
	db := testutil.NewDB(t)
	polls := NewPollRegistry()
	v := Validator{MaxShots: 10, MaxDurationS: 60}
	p := NewProcessor(ProcessorOptions{DB: db, Worker: fw.client(), Store: store, Polls: polls, Validator: v, MaxParallel: 2})
	m := NewJobManager(ManagerOptions{DB: db, Queue: &fakeQueue{}, Worker: fw.client(), Polls: polls, Validator: v})
	return p, m
}

func runTask(t *testing.T, p *Processor, taskType, jobID string) error {
	t.Helper()
	task, err := NewJobTask(taskType, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if taskType == TypeFinalize {
		return p.HandleFinalize(context.Background(), task)
	}
	return p.HandleGenerate(context.Background(), task)
}

func TestHandleGenerate(t *testing.T) {
	fw := newFakeWorker(t)
	store := &memStore{}
	p, m := newTestProcessor(t, fw, store)
	ctx := context.Background()

	job, err := m.Generate(ctx, GenerateRequest{Prompt: "healthy breakfast"})
	if err != nil {
		t.Fatal(err)
	}
	if err := runTask(t, p, TypeGenerate, job.ID); err != nil {
		t.Fatalf("HandleGenerate: %v", err)
	}

	got, _ := m.Get(ctx, job.ID)
	if got.State != models.JobStateSucceeded {
		t.Fatalf("state = %s, error %v", got.State, got.ErrorDetails)
	}
	if len(got.ShotPlan) != 2 || got.ShotPlan[0].ShotID != "1" || got.TotalDurationS != 18 {
		t.Fatalf("plan = %+v", got.ShotPlan)
	}
	if len(got.Assets) != 2 {
		t.Fatalf("assets = %+v", got.Assets)
	}
	for i, a := range got.Assets {
		want := fmt.Sprintf("https://assets.test/shots/%s/%d/video.mp4", job.ID, i+1)
		if a.VideoURL != want || a.Status != models.ShotStatusCompleted || a.Seed != 42 {
			t.Fatalf("asset %d = %+v", i, a)
		}
	}
	if len(got.WorkerJobIDs) != 3 {
		t.Fatalf("worker ids = %v", got.WorkerJobIDs)
	}
	if st, _ := m.Status(ctx, job.ID); st.Script != "[Scene 1] 早餐" {
		t.Fatalf("script = %q", st.Script)
	}

	videos := fw.requestsOfType(WorkerTypeVideo)
	if len(videos) != 2 {
		t.Fatalf("video requests = %d", len(videos))
	}
	var prompts []string
	for _, r := range videos {
		params := r.Parameters.(map[string]any)
		prompts = append(prompts, params["prompt"].(string))
	}
	joined := strings.Join(prompts, "|")
	if !strings.Contains(joined, "sunlit table, Camera: dolly, Style: warm") {
		t.Fatalf("prompts = %v", prompts)
	}
}

func TestHandleGenerateWithoutStoreKeepsWorkerURL(t *testing.T) {
	fw := newFakeWorker(t)
	p, m := newTestProcessor(t, fw, nil)
	job, _ := m.Generate(context.Background(), GenerateRequest{Prompt: "healthy breakfast"})
	if err := runTask(t, p, TypeGenerate, job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(context.Background(), job.ID)
	if !strings.HasPrefix(got.Assets[0].VideoURL, fw.srv.URL+"/files/") {
		t.Fatalf("asset url = %s", got.Assets[0].VideoURL)
	}
}

func TestHandleGenerateShotFailures(t *testing.T) {
	fw := newFakeWorker(t)
	fw.setFail(WorkerTypeVideo)
	p, m := newTestProcessor(t, fw, nil)
	job, _ := m.Generate(context.Background(), GenerateRequest{Prompt: "healthy breakfast"})
	if err := runTask(t, p, TypeGenerate, job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(context.Background(), job.ID)
	if got.State != models.JobStateFailed {
		t.Fatalf("state = %s", got.State)
	}
	for _, a := range got.Assets {
		if a.Status != models.ShotStatusFailed || !strings.Contains(a.Error, "gpu on fire") {
			t.Fatalf("asset = %+v", a)
		}
	}
	if got.ErrorDetails["message"] != "all shots failed" {
		t.Fatalf("error = %v", got.ErrorDetails)
	}
}

func TestHandleGenerateRejectsOversizedPlan(t *testing.T) {
	fw := newFakeWorker(t)
	fw.setBoard(`{"shots":[{"visual_prompt":"a","duration":50},{"visual_prompt":"b","duration":50}]}`)
	p, m := newTestProcessor(t, fw, nil)
	job, _ := m.Generate(context.Background(), GenerateRequest{Prompt: "healthy breakfast"})
	if err := runTask(t, p, TypeGenerate, job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(context.Background(), job.ID)
	if got.State != models.JobStateFailed || len(fw.requestsOfType(WorkerTypeVideo)) != 0 {
		t.Fatalf("state = %s", got.State)
	}
}

func TestCancelDuringPoll(t *testing.T) {
	fw := newFakeWorker(t)
	fw.setPending(WorkerTypeStoryboard)
	p, m := newTestProcessor(t, fw, nil)
	ctx := context.Background()
	job, _ := m.Generate(ctx, GenerateRequest{Prompt: "healthy breakfast"})

	done := make(chan error, 1)
	go func() { done <- runTask(t, p, TypeGenerate, job.ID) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.Get(ctx, job.ID)
		if got.State == models.JobStateRunning && len(got.WorkerJobIDs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("processor never started polling")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("cancelled task returned %v", err)
	}
	got, _ := m.Get(ctx, job.ID)
	if got.State != models.JobStateCancelled {
		t.Fatalf("state = %s", got.State)
	}
	if del := fw.deletedIDs(); len(del) != 1 {
		t.Fatalf("worker deletes = %v", del)
	}
}

// A cancel written by another API node cannot reach this processor's poll
// registry; the finished render must still not overwrite CANCELLED.
func TestCancelFromOtherNodeKeepsCancelled(t *testing.T) {
	fw := newFakeWorker(t)
	fw.setPending(WorkerTypeStoryboard)
	p, m := newTestProcessor(t, fw, nil)
	ctx := context.Background()
	job, _ := m.Generate(ctx, GenerateRequest{Prompt: "healthy breakfast"})

	done := make(chan error, 1)
	go func() { done <- runTask(t, p, TypeGenerate, job.ID) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.Get(ctx, job.ID)
		if got.State == models.JobStateRunning && len(got.WorkerJobIDs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("processor never started polling")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := models.TransitionState(m.db, job.ID, models.JobStateCancelled, "cancelled_elsewhere"); err != nil {
		t.Fatal(err)
	}
	fw.clearPending(WorkerTypeStoryboard)

	if err := <-done; err != nil {
		t.Fatalf("task returned %v", err)
	}
	got, _ := m.Get(ctx, job.ID)
	if got.State != models.JobStateCancelled {
		t.Fatalf("state = %s", got.State)
	}
	last, _ := got.LastTransition()
	if last.Reason != "cancelled_elsewhere" {
		t.Fatalf("last transition = %+v", last)
	}
}

func TestHandleGenerateSkipsJobCancelledBeforeStart(t *testing.T) {
	fw := newFakeWorker(t)
	p, m := newTestProcessor(t, fw, nil)
	ctx := context.Background()
	job, _ := m.Generate(ctx, GenerateRequest{Prompt: "healthy breakfast"})
	if _, err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := runTask(t, p, TypeGenerate, job.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Get(ctx, job.ID); got.State != models.JobStateCancelled {
		t.Fatalf("state = %s", got.State)
	}
	if n := len(fw.requestsOfType(WorkerTypeStoryboard)); n != 0 {
		t.Fatalf("storyboard requests = %d", n)
	}
}

func TestHandleFinalize(t *testing.T) {
	fw := newFakeWorker(t)
	p, m := newTestProcessor(t, fw, &memStore{})
	ctx := context.Background()
	job, _ := m.Generate(ctx, GenerateRequest{Prompt: "healthy breakfast"})
	if err := runTask(t, p, TypeGenerate, job.ID); err != nil {
		t.Fatal(err)
	}

	queued, err := m.Finalize(ctx, job.ID, FinalizeRequest{SelectedSeeds: map[string]int{"1": 777}})
	if err != nil {
		t.Fatal(err)
	}
	if queued.State != models.JobStatePending {
		t.Fatalf("state after finalize request = %s", queued.State)
	}
	if err := runTask(t, p, TypeFinalize, job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, job.ID)
	if got.State != models.JobStateSucceeded {
		t.Fatalf("state = %s", got.State)
	}
	for _, a := range got.Assets {
		if a.Resolution != "1920x1080" || !strings.HasSuffix(a.VideoURL, "/final.mp4") {
			t.Fatalf("asset = %+v", a)
		}
	}
	var sawSeed bool
	for _, r := range fw.requestsOfType(WorkerTypeVideo) {
		params := r.Parameters.(map[string]any)
		if params["seed"] == float64(777) && params["size"] == "1920*1080" {
			sawSeed = true
		}
	}
	if !sawSeed {
		t.Fatal("selected seed not sent at final resolution")
	}
}

func TestHandleGenerateUnknownJobSkipsRetry(t *testing.T) {
	fw := newFakeWorker(t)
	p, _ := newTestProcessor(t, fw, nil)
	err := runTask(t, p, TypeGenerate, uuid.NewString())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}
