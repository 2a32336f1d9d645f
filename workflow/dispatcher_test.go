package workflow

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/config"
	"bitbucket.org/atelierworks/bridge_backend/designapi"
	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/store"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type fakeDesignAPI struct {
	jobRef      string
	submitErrs  []error
	statuses    []designapi.JobStatus
	submitCalls int
	statusCalls int
}

func (f *fakeDesignAPI) SubmitJob(ctx context.Context, orderId string, meta models.OrderMetadata) (string, error) {
	i := f.submitCalls
	f.submitCalls++
	if i < len(f.submitErrs) && f.submitErrs[i] != nil {
		return "", f.submitErrs[i]
	}
	return f.jobRef, nil
}

func (f *fakeDesignAPI) GetJobStatus(ctx context.Context, jobRef string) (designapi.JobStatus, error) {
	i := f.statusCalls
	f.statusCalls++
	if i < len(f.statuses) {
		return f.statuses[i], nil
	}
	if n := len(f.statuses); n > 0 {
		return f.statuses[n-1], nil
	}
	return designapi.JobStatus{State: designapi.JobStateSuccess}, nil
}

func transientErr() error {
	return &utils.ExternalError{Op: "design api submit", StatusCode: http.StatusInternalServerError, Body: "upstream down"}
}

func permanentErr() error {
	return &utils.ExternalError{Op: "design api submit", StatusCode: http.StatusBadRequest, Body: "bad metadata"}
}

func newTestDispatcher(t *testing.T, db *gorm.DB, api designapi.Client) *JobDispatcher {
	t.Helper()
	router := NewRelayRouter(db, newTestLogger())
	d := NewJobDispatcher(db, newTestLogger(), nil, api, router)
	d.Synchronous = true
	d.UsePubSub = false
	d.MaxAttempts = 3
	d.sleep = func(time.Duration) {}
	return d
}

func testMeta() models.OrderMetadata {
	return models.OrderMetadata{
		CustomerName: "山田 花子",
		ProductName:  "ケヤキ_01_400_600",
		BoardName:    "ケヤキ",
		BoardNumber:  "01",
		BoardSize:    "400_600",
		Total:        decimal.NewFromInt(48000),
	}
}

func loadJob(t *testing.T, db *gorm.DB, orderId string) *models.ProcessingJob {
	t.Helper()
	var job models.ProcessingJob
	if err := db.Where("order_id = ?", orderId).Order("id DESC").First(&job).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	return &job
}

func TestSubmitRunsJobToSuccess(t *testing.T) {
	db := newTestDB(t)
	api := &fakeDesignAPI{
		jobRef: "import-1",
		statuses: []designapi.JobStatus{
			{State: designapi.JobStateInProgress},
			{State: designapi.JobStateSuccess, ResultURL: "https://designs.example/d1"},
		},
	}
	d := newTestDispatcher(t, db, api)
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "3001"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := d.Submit(ctx, "evt-3001", "3001", testMeta()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := loadJob(t, db, "3001")
	if job.Status != models.ProcessingStateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (last_error=%v)", job.Status, job.LastError)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("expected 1 attempt, got %d", job.AttemptCount)
	}
	if utils.DereferencePtr(job.JobRef) != "import-1" {
		t.Fatalf("job ref not recorded: %v", job.JobRef)
	}
	if !strings.Contains(string(job.ResultPayload), "https://designs.example/d1") {
		t.Fatalf("result payload missing url: %s", job.ResultPayload)
	}

	thread, _ := store.FindByOrderId(ctx, db, "3001")
	if thread.ProcessingState != models.ProcessingStateSucceeded {
		t.Fatalf("thread state: %s", thread.ProcessingState)
	}
}

func TestSubmitRetriesTransientErrors(t *testing.T) {
	db := newTestDB(t)
	api := &fakeDesignAPI{
		jobRef:     "import-2",
		submitErrs: []error{transientErr(), transientErr()},
	}
	d := newTestDispatcher(t, db, api)
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "3002"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := d.Submit(ctx, "evt-3002", "3002", testMeta()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := loadJob(t, db, "3002")
	if job.Status != models.ProcessingStateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", job.Status)
	}
	if job.AttemptCount != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.AttemptCount)
	}
}

func TestSubmitPermanentErrorFailsImmediately(t *testing.T) {
	db := newTestDB(t)
	api := &fakeDesignAPI{submitErrs: []error{permanentErr()}}
	d := newTestDispatcher(t, db, api)
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "3003"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := d.Submit(ctx, "evt-3003", "3003", testMeta()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := loadJob(t, db, "3003")
	if job.Status != models.ProcessingStateFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("permanent error must not retry, got %d attempts", job.AttemptCount)
	}
	if api.submitCalls != 1 {
		t.Fatalf("api called %d times", api.submitCalls)
	}

	thread, _ := store.FindByOrderId(ctx, db, "3003")
	if thread.ProcessingState != models.ProcessingStateFailed {
		t.Fatalf("thread state: %s", thread.ProcessingState)
	}

	rows := outboundRows(t, db, "3003")
	if len(rows) != 1 || rows[0].Kind != models.OutboundKindOperatorAlert {
		t.Fatalf("expected one operator alert, got %+v", rows)
	}
}

func TestSubmitExhaustsTransientBudget(t *testing.T) {
	db := newTestDB(t)
	api := &fakeDesignAPI{
		submitErrs: []error{transientErr(), transientErr(), transientErr(), transientErr()},
	}
	d := newTestDispatcher(t, db, api)
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "3004"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := d.Submit(ctx, "evt-3004", "3004", testMeta()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := loadJob(t, db, "3004")
	if job.Status != models.ProcessingStateFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if job.AttemptCount != 3 {
		t.Fatalf("expected budget of 3 attempts, got %d", job.AttemptCount)
	}
	if !strings.Contains(utils.DereferencePtr(job.LastError), "max submit attempts") {
		t.Fatalf("last_error: %v", job.LastError)
	}
}

func TestSubmitReplayReturnsExistingJob(t *testing.T) {
	db := newTestDB(t)
	api := &fakeDesignAPI{jobRef: "import-5"}
	d := newTestDispatcher(t, db, api)
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "3005"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	first, err := d.Submit(ctx, "evt-3005", "3005", testMeta())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := d.Submit(ctx, "evt-3005", "3005", testMeta())
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay created a new job: %d vs %d", first.ID, second.ID)
	}

	var count int64
	db.Model(&models.ProcessingJob{}).Where("order_id = ?", "3005").Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 job row, got %d", count)
	}
	if api.submitCalls != 1 {
		t.Fatalf("external api called %d times for one order", api.submitCalls)
	}
}

func TestSubmitNewEventWhileJobActiveReturnsExisting(t *testing.T) {
	db := newTestDB(t)
	api := &fakeDesignAPI{jobRef: "import-6"}
	d := newTestDispatcher(t, db, api)
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "3006"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	active := models.ProcessingJob{OrderId: "3006", Status: models.ProcessingStateRunning, AttemptCount: 1}
	if err := db.Create(&active).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := store.UpdateProcessingState(ctx, db, "3006", models.ProcessingStateNone, models.ProcessingStateRunning); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	job, err := d.Submit(ctx, "evt-3006-dup", "3006", testMeta())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID != active.ID {
		t.Fatalf("expected the active job back, got %d", job.ID)
	}
	if api.submitCalls != 0 {
		t.Fatal("must not contact the external api while a job is active")
	}
}

func TestJobPollTimeoutFails(t *testing.T) {
	db := newTestDB(t)
	api := &fakeDesignAPI{
		jobRef:   "import-7",
		statuses: []designapi.JobStatus{{State: designapi.JobStateInProgress}},
	}
	d := newTestDispatcher(t, db, api)
	d.PollTimeout = -time.Millisecond
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "3007"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := d.Submit(ctx, "evt-3007", "3007", testMeta()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := loadJob(t, db, "3007")
	if job.Status != models.ProcessingStateFailed {
		t.Fatalf("expected FAILED after timeout, got %s", job.Status)
	}
	if !strings.Contains(utils.DereferencePtr(job.LastError), "timed out") {
		t.Fatalf("last_error: %v", job.LastError)
	}
}

func TestRequeueStalledRecoversLostEnqueue(t *testing.T) {
	db := newTestDB(t)
	api := &fakeDesignAPI{jobRef: "import-9"}
	d := newTestDispatcher(t, db, api)
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "3009"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// The publish never lands: the job is recorded but nothing processes it.
	d.UsePubSub = true
	d.publish = func(context.Context, config.DesignJobMessage) error {
		return transientErr()
	}
	if _, err := d.Submit(ctx, "evt-3009", "3009", testMeta()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := loadJob(t, db, "3009"); got.Status != models.ProcessingStateQueued {
		t.Fatalf("setup expected QUEUED, got %s", got.Status)
	}

	// Neither a replay, a fresh event, nor a manual retry unwedges it.
	if _, err := d.Submit(ctx, "evt-3009", "3009", testMeta()); err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if again, err := d.Submit(ctx, "evt-3009-b", "3009", testMeta()); err != nil || again.Status != models.ProcessingStateQueued {
		t.Fatalf("fresh event: job=%+v err=%v", again, err)
	}
	if _, err := d.Resubmit(ctx, "3009"); !errors.Is(err, ErrNoFailedJob) {
		t.Fatalf("expected ErrNoFailedJob for a queued job, got %v", err)
	}
	if got := loadJob(t, db, "3009"); got.Status != models.ProcessingStateQueued || got.AttemptCount != 0 {
		t.Fatalf("job should still be queued and untouched: %+v", got)
	}
	if api.submitCalls != 0 {
		t.Fatalf("external api reached without an enqueue: %d calls", api.submitCalls)
	}

	// A job inside the stall window stays alone.
	if n, err := d.RequeueStalled(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("swept a fresh job: n=%d err=%v", n, err)
	}

	// Past the window the sweeper hands it back to the processor.
	d.UsePubSub = false
	if n, err := d.RequeueStalled(ctx, 0); err != nil || n != 1 {
		t.Fatalf("requeue stalled: n=%d err=%v", n, err)
	}
	job := loadJob(t, db, "3009")
	if job.Status != models.ProcessingStateSucceeded {
		t.Fatalf("expected SUCCEEDED after requeue, got %s (last_error=%v)", job.Status, job.LastError)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("expected 1 attempt, got %d", job.AttemptCount)
	}
}

func TestResubmitReQueuesFailedJob(t *testing.T) {
	db := newTestDB(t)
	api := &fakeDesignAPI{
		jobRef:     "import-8",
		submitErrs: []error{permanentErr()},
		statuses:   []designapi.JobStatus{{State: designapi.JobStateSuccess, ResultURL: "https://designs.example/d8"}},
	}
	d := newTestDispatcher(t, db, api)
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "3008"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := d.Submit(ctx, "evt-3008", "3008", testMeta()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := loadJob(t, db, "3008").Status; got != models.ProcessingStateFailed {
		t.Fatalf("setup expected FAILED, got %s", got)
	}

	if _, err := d.Resubmit(ctx, "3008"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	job := loadJob(t, db, "3008")
	if job.Status != models.ProcessingStateSucceeded {
		t.Fatalf("expected SUCCEEDED after retry, got %s (last_error=%v)", job.Status, job.LastError)
	}
	// Attempts accumulate across the retry cycle.
	if job.AttemptCount != 2 {
		t.Fatalf("expected 2 attempts total, got %d", job.AttemptCount)
	}

	// Only failed jobs are retryable.
	if _, err := d.Resubmit(ctx, "3008"); !errors.Is(err, ErrNoFailedJob) {
		t.Fatalf("expected ErrNoFailedJob, got %v", err)
	}
}
