package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/config"
	"bitbucket.org/atelierworks/bridge_backend/designapi"
	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/store"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrSubmitContended: another delivery holds the per-order submit lock and no
// existing job could be returned. Callers answer 5xx so the sender retries.
var ErrSubmitContended = errors.New("job submit contended")

// ErrNoFailedJob guards manual retry: only a FAILED job may re-enter QUEUED.
var ErrNoFailedJob = errors.New("no failed job to re-queue")

// JobDispatcher owns ProcessingJob records. It enforces at most one
// non-terminal job per order and drives the submit/poll lifecycle against the
// external design-automation API.
type JobDispatcher struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Locker *redislock.Client
	API    designapi.Client
	Router *RelayRouter

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	UsePubSub      bool
	Synchronous    bool

	// Seams for tests; both default to the real thing.
	publish func(ctx context.Context, msg config.DesignJobMessage) error
	sleep   func(d time.Duration)
}

func NewJobDispatcher(db *gorm.DB, logger *logrus.Logger, locker *redislock.Client, api designapi.Client, router *RelayRouter) *JobDispatcher {
	return &JobDispatcher{
		DB:             db,
		Logger:         logger,
		Locker:         locker,
		API:            api,
		Router:         router,
		MaxAttempts:    utils.IntFromEnv("JOB_MAX_ATTEMPTS", 5),
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     10 * time.Minute,
		PollInterval:   time.Duration(utils.IntFromEnv("JOB_POLL_INTERVAL_SECONDS", 3)) * time.Second,
		PollTimeout:    time.Duration(utils.IntFromEnv("JOB_POLL_TIMEOUT_SECONDS", 300)) * time.Second,
		UsePubSub:      utils.EnvBoolDefault("DESIGN_JOBS_USE_PUBSUB", false),
		publish: func(ctx context.Context, msg config.DesignJobMessage) error {
			_, err := config.PublishDesignJobWithResult(ctx, msg)
			return err
		},
		sleep: time.Sleep,
	}
}

// Submit registers a design job for the order. A second submit while a job is
// QUEUED/RUNNING returns the existing record instead of creating a duplicate;
// a SUCCEEDED job is returned as-is (the external service already billed the
// work). Dedupe at stage "job-submit" makes webhook replays no-ops even when
// the earlier run has already gone terminal.
func (d *JobDispatcher) Submit(ctx context.Context, eventId, orderId string, meta models.OrderMetadata) (*models.ProcessingJob, error) {
	unlock, err := d.obtainOrderLock(ctx, orderId)
	if err != nil {
		if existing, ferr := d.latestJob(ctx, orderId); ferr == nil && existing.NonTerminal() {
			return existing, nil
		}
		return nil, ErrSubmitContended
	}
	defer unlock()

	skip, err := BeginIdempotency(d.DB.WithContext(ctx), eventId, models.StageJobSubmit)
	if err != nil {
		return nil, err
	}
	if skip {
		return d.latestJob(ctx, orderId)
	}

	if existing, err := d.latestJob(ctx, orderId); err == nil {
		if existing.NonTerminal() || existing.Status == models.ProcessingStateSucceeded {
			if merr := MarkIdempotencySucceeded(d.DB.WithContext(ctx), eventId, models.StageJobSubmit); merr != nil {
				return nil, merr
			}
			return existing, nil
		}
	} else if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	job := models.ProcessingJob{
		OrderId:       orderId,
		Status:        models.ProcessingStateQueued,
		OrderTotal:    meta.Total,
		MetadataJSON:  metaJSON,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	err = d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		if err := store.UpdateProcessingState(ctx, tx, orderId, models.ProcessingStateNone, models.ProcessingStateQueued); err != nil {
			if !errors.Is(err, utils.ErrStaleState) {
				return err
			}
			// Manual-retry path: a previous attempt went FAILED.
			return store.UpdateProcessingState(ctx, tx, orderId, models.ProcessingStateFailed, models.ProcessingStateQueued)
		}
		return nil
	})
	if err != nil {
		_ = MarkIdempotencyFailed(d.DB.WithContext(ctx), eventId, models.StageJobSubmit, err)
		return nil, err
	}

	if err := MarkIdempotencySucceeded(d.DB.WithContext(ctx), eventId, models.StageJobSubmit); err != nil {
		return nil, err
	}

	d.enqueue(ctx, &job, eventId)
	return &job, nil
}

// Resubmit re-queues a FAILED job (manual retry). The same record re-enters
// QUEUED; attempt_count keeps accumulating across retries.
func (d *JobDispatcher) Resubmit(ctx context.Context, orderId string) (*models.ProcessingJob, error) {
	unlock, err := d.obtainOrderLock(ctx, orderId)
	if err != nil {
		return nil, ErrSubmitContended
	}
	defer unlock()

	job, err := d.latestJob(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if job.Status != models.ProcessingStateFailed {
		return nil, fmt.Errorf("%w: order_id=%s status=%s", ErrNoFailedJob, orderId, job.Status)
	}

	err = d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ProcessingJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":      models.ProcessingStateQueued,
			"last_error":  nil,
			"job_ref":     nil,
			"started_at":  nil,
			"finished_at": nil,
		}).Error; err != nil {
			return err
		}
		return store.UpdateProcessingState(ctx, tx, orderId, models.ProcessingStateFailed, models.ProcessingStateQueued)
	})
	if err != nil {
		return nil, err
	}

	job.Status = models.ProcessingStateQueued
	d.enqueue(ctx, job, "retry:"+uuid.NewString())
	return job, nil
}

// RequeueStalled re-enqueues QUEUED jobs untouched for longer than olderThan.
// A job wedges in QUEUED when its enqueue is lost: the Pub/Sub publish failed,
// or the process died before direct processing ran. Webhook replays dedupe
// against the ledger and Resubmit only takes FAILED jobs, so nothing else
// would ever pick these up. The conditional touch keeps competing sweepers on
// other instances from double-enqueueing a job inside one window.
func (d *JobDispatcher) RequeueStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var jobs []models.ProcessingJob
	if err := d.DB.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", models.ProcessingStateQueued, cutoff).
		Order("id ASC").Find(&jobs).Error; err != nil {
		return 0, err
	}

	requeued := 0
	for i := range jobs {
		res := d.DB.WithContext(ctx).Model(&models.ProcessingJob{}).
			Where("id = ? AND status = ? AND updated_at <= ?", jobs[i].ID, models.ProcessingStateQueued, cutoff).
			Update("updated_at", time.Now().UTC())
		if res.Error != nil {
			return requeued, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		d.Logger.WithFields(logrus.Fields{
			"field":    "JobDispatcher",
			"order_id": jobs[i].OrderId,
			"job_id":   jobs[i].ID,
		}).Warn("re-enqueueing stalled design job")
		d.enqueue(ctx, &jobs[i], fmt.Sprintf("requeue:%d:%d", jobs[i].ID, jobs[i].AttemptCount))
		requeued++
	}
	return requeued, nil
}

// RunStalledJobSweeper periodically recovers QUEUED jobs that lost their
// enqueue. Blocks until ctx is done.
func (d *JobDispatcher) RunStalledJobSweeper(ctx context.Context) {
	age := time.Duration(utils.IntFromEnv("JOB_STALLED_REQUEUE_MINUTES", 10)) * time.Minute
	interval := time.Duration(utils.IntFromEnv("JOB_STALLED_SWEEP_INTERVAL_MINUTES", 5)) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		requeued, err := d.RequeueStalled(ctx, age)
		if err != nil {
			d.Logger.WithField("field", "JobDispatcher").Error("stalled job sweep failed: " + err.Error())
			continue
		}
		if requeued > 0 {
			d.Logger.WithFields(logrus.Fields{
				"field":    "JobDispatcher",
				"requeued": requeued,
			}).Info("re-enqueued stalled design jobs")
		}
	}
}

// Process runs one job to a terminal state: submit with bounded retries, then
// poll until completion or timeout. Safe to call again for an already-terminal
// job (Pub/Sub redelivers).
func (d *JobDispatcher) Process(ctx context.Context, jobId int) error {
	var job models.ProcessingJob
	if err := d.DB.WithContext(ctx).Where("id = ?", jobId).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	var meta models.OrderMetadata
	if len(job.MetadataJSON) > 0 {
		if err := json.Unmarshal(job.MetadataJSON, &meta); err != nil {
			return d.failJob(ctx, &job, fmt.Errorf("corrupt job metadata: %w", err))
		}
	}

	jobRef, err := d.submitWithRetry(ctx, &job, meta)
	if err != nil {
		return d.failJob(ctx, &job, err)
	}

	now := time.Now().UTC()
	if err := d.DB.WithContext(ctx).Model(&models.ProcessingJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":     models.ProcessingStateRunning,
		"job_ref":    &jobRef,
		"started_at": &now,
	}).Error; err != nil {
		return err
	}
	job.Status = models.ProcessingStateRunning
	job.JobRef = &jobRef
	if err := store.UpdateProcessingState(ctx, d.DB, job.OrderId, models.ProcessingStateQueued, models.ProcessingStateRunning); err != nil {
		// The thread row is advisory here; the job record is authoritative.
		config.LogError(d.Logger, "JobDispatcher", "Process", "thread state QUEUED->RUNNING", job.OrderId, err)
	}

	status, err := d.pollUntilDone(ctx, jobRef)
	if err != nil {
		return d.failJob(ctx, &job, err)
	}
	if status.State == designapi.JobStateFailed {
		return d.failJob(ctx, &job, fmt.Errorf("design job rejected: %s", status.FailureReason))
	}
	return d.succeedJob(ctx, &job, status)
}

// submitWithRetry increments attempt_count once per submit attempt. Transient
// failures back off exponentially up to MaxAttempts; permanent ones stop at
// the first attempt.
func (d *JobDispatcher) submitWithRetry(ctx context.Context, job *models.ProcessingJob, meta models.OrderMetadata) (string, error) {
	attempt := job.AttemptCount
	for {
		attempt++
		if err := d.DB.WithContext(ctx).Model(&models.ProcessingJob{}).Where("id = ?", job.ID).
			Update("attempt_count", attempt).Error; err != nil {
			return "", err
		}
		job.AttemptCount = attempt

		jobRef, err := d.API.SubmitJob(ctx, job.OrderId, meta)
		if err == nil {
			return jobRef, nil
		}
		if !utils.IsTransient(err) {
			return "", err
		}
		if attempt >= d.MaxAttempts {
			return "", fmt.Errorf("max submit attempts exceeded (%d): %w", d.MaxAttempts, err)
		}

		backoff := d.backoffForAttempt(attempt)
		d.Logger.WithFields(logrus.Fields{
			"field":    "JobDispatcher",
			"order_id": job.OrderId,
			"job_id":   job.ID,
			"attempt":  attempt,
			"backoff":  backoff.String(),
		}).Error("design job submit failed: " + err.Error())
		d.sleep(backoff)
	}
}

func (d *JobDispatcher) pollUntilDone(ctx context.Context, jobRef string) (designapi.JobStatus, error) {
	deadline := time.Now().Add(d.PollTimeout)
	for {
		if time.Now().After(deadline) {
			return designapi.JobStatus{}, fmt.Errorf("timed out after %s waiting for design job %s", d.PollTimeout, jobRef)
		}
		select {
		case <-ctx.Done():
			return designapi.JobStatus{}, ctx.Err()
		default:
		}

		status, err := d.API.GetJobStatus(ctx, jobRef)
		if err != nil {
			if !utils.IsTransient(err) {
				return designapi.JobStatus{}, err
			}
			// Transient poll errors ride on the same deadline.
		} else if status.State != designapi.JobStateInProgress {
			return status, nil
		}
		d.sleep(d.PollInterval)
	}
}

func (d *JobDispatcher) succeedJob(ctx context.Context, job *models.ProcessingJob, status designapi.JobStatus) error {
	now := time.Now().UTC()
	payload, _ := json.Marshal(map[string]string{"result_url": status.ResultURL})
	if err := d.DB.WithContext(ctx).Model(&models.ProcessingJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":         models.ProcessingStateSucceeded,
		"result_payload": payload,
		"last_error":     nil,
		"finished_at":    &now,
	}).Error; err != nil {
		return err
	}
	job.Status = models.ProcessingStateSucceeded
	job.ResultPayload = payload

	if err := store.UpdateProcessingState(ctx, d.DB, job.OrderId, models.ProcessingStateRunning, models.ProcessingStateSucceeded); err != nil {
		config.LogError(d.Logger, "JobDispatcher", "succeedJob", "thread state RUNNING->SUCCEEDED", job.OrderId, err)
	}
	return d.Router.EmitJobResult(ctx, job, JobOutcome{Succeeded: true, ResultURL: status.ResultURL})
}

func (d *JobDispatcher) failJob(ctx context.Context, job *models.ProcessingJob, cause error) error {
	now := time.Now().UTC()
	msg := cause.Error()
	if err := d.DB.WithContext(ctx).Model(&models.ProcessingJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":      models.ProcessingStateFailed,
		"last_error":  &msg,
		"finished_at": &now,
	}).Error; err != nil {
		return err
	}
	job.Status = models.ProcessingStateFailed
	job.LastError = &msg

	// The thread may still sit in QUEUED when submit never got acknowledged.
	if err := store.UpdateProcessingState(ctx, d.DB, job.OrderId, models.ProcessingStateRunning, models.ProcessingStateFailed); err != nil {
		if err2 := store.UpdateProcessingState(ctx, d.DB, job.OrderId, models.ProcessingStateQueued, models.ProcessingStateFailed); err2 != nil {
			config.LogError(d.Logger, "JobDispatcher", "failJob", "thread state ->FAILED", job.OrderId, err2)
		}
	}

	d.Logger.WithFields(logrus.Fields{
		"field":    "JobDispatcher",
		"order_id": job.OrderId,
		"job_id":   job.ID,
		"attempts": job.AttemptCount,
	}).Error("design job failed: " + msg)

	return d.Router.EmitJobResult(ctx, job, JobOutcome{Succeeded: false, Reason: msg})
}

func (d *JobDispatcher) enqueue(ctx context.Context, job *models.ProcessingJob, eventId string) {
	msg := config.DesignJobMessage{
		JobId:         job.ID,
		OrderId:       job.OrderId,
		EventId:       eventId,
		CorrelationId: job.CorrelationId,
	}
	if d.UsePubSub {
		if err := d.publish(ctx, msg); err != nil {
			config.LogError(d.Logger, "JobDispatcher", "enqueue", "publish design job", msg, err)
		}
		return
	}

	// Direct mode (no Pub/Sub): process in the background so webhook handling
	// never blocks on the external API. Synchronous mode is for the CLI tools,
	// which want to exit with the job's terminal state.
	bg := utils.SetCorrelationIdInContext(context.Background(), job.CorrelationId)
	if d.Synchronous {
		if err := d.Process(bg, job.ID); err != nil {
			config.LogError(d.Logger, "JobDispatcher", "enqueue", "direct process", job.ID, err)
		}
		return
	}
	go func() {
		if err := d.Process(bg, job.ID); err != nil {
			config.LogError(d.Logger, "JobDispatcher", "enqueue", "direct process", job.ID, err)
		}
	}()
}

func (d *JobDispatcher) latestJob(ctx context.Context, orderId string) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	err := d.DB.WithContext(ctx).Where("order_id = ?", orderId).Order("id DESC").First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &job, nil
}

// obtainOrderLock serializes submit/resubmit per order across instances. With
// no locker configured (tests, single-instance dev) it degrades to a no-op;
// the DB checks still hold for sequential callers.
func (d *JobDispatcher) obtainOrderLock(ctx context.Context, orderId string) (func(), error) {
	if d.Locker == nil {
		return func() {}, nil
	}
	lock, err := d.Locker.Obtain(ctx, "design-job:"+orderId, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 10),
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = lock.Release(context.Background()) }, nil
}

func (d *JobDispatcher) backoffForAttempt(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > d.MaxBackoff {
			return d.MaxBackoff
		}
	}
	return backoff
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
