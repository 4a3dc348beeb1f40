package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/event"
	"github.com/hbomb79/Harmony/internal/ledger"
	"github.com/hbomb79/Harmony/internal/metrics"
	"github.com/hbomb79/Harmony/internal/resolve"
	"github.com/hbomb79/Harmony/internal/tool"
	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/hbomb79/Harmony/pkg/worker"
	"go.uber.org/multierr"
)

var log = logger.Get("JobServ")

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job has already finished")
)

type (
	Authorizer interface {
		Authorize(access.UserID) error
	}

	Planner interface {
		Classify(dispatch.Target) dispatch.ProviderKind
		Dispatch(dispatch.Target) (dispatch.ExecutionPlan, error)
	}

	Executor interface {
		Run(context.Context, dispatch.ExecutionPlan, string, time.Duration) (*tool.ExecutionResult, error)
	}

	Resolver interface {
		Resolve(dispatch.ExecutionPlan, *tool.ExecutionResult, string, resolve.Snapshot) (*resolve.Resolution, error)
	}

	Recorder interface {
		Append(ledger.UploadRecord) (*ledger.UploadRecord, error)
	}

	Config struct {
		Concurrency int           `yaml:"concurrency" env:"JOB_CONCURRENCY" env-default:"2"`
		Timeout     time.Duration `yaml:"timeout" env:"JOB_TIMEOUT" env-default:"15m"`
		// StagingDir is the parent of every job's private staging directory. It
		// should be on the same file system as the library so that publishing
		// is a cheap link.
		StagingDir      string `yaml:"staging_dir" env:"JOB_STAGING_DIR"`
		RetainCompleted int    `yaml:"retain_completed" env:"JOB_RETAIN_COMPLETED" env-default:"100"`
	}

	Dependencies struct {
		Gate       Authorizer
		Dispatcher Planner
		Engine     Executor
		Resolver   Resolver
		Ledger     Recorder
		Events     event.EventDispatcher
		Metrics    *metrics.JobMetrics
	}

	// Service accepts job submissions and runs them through the pipeline
	// using a bounded pool of workers. Jobs are admitted in submission order.
	Service struct {
		*sync.Mutex
		Dependencies

		config     Config
		jobs       []*trackedJob
		workerPool *worker.WorkerPool
		ctx        context.Context
		cancel     context.CancelFunc
	}
)

func New(config Config, deps Dependencies) (*Service, error) {
	if deps.Gate == nil || deps.Dispatcher == nil || deps.Engine == nil || deps.Resolver == nil || deps.Ledger == nil {
		return nil, errors.New("job service requires a gate, dispatcher, engine, resolver and ledger")
	}
	if config.StagingDir == "" {
		return nil, errors.New("job staging directory must be specified")
	}
	if err := os.MkdirAll(config.StagingDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("staging directory '%s' could not be created: %w", config.StagingDir, err)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	service := &Service{
		Mutex:        &sync.Mutex{},
		Dependencies: deps,
		config:       config,
		jobs:         make([]*trackedJob, 0),
		workerPool:   worker.NewWorkerPool(),
		ctx:          ctx,
		cancel:       cancel,
	}

	for i := 0; i < config.Concurrency; i++ {
		label := fmt.Sprintf("job-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, service.processNextJob))
	}

	return service, nil
}

// Run starts the worker pool and blocks until the context provided
// is cancelled, at which point every outstanding job is cancelled
// and the workers are stopped.
func (service *Service) Run(ctx context.Context) error {
	if err := service.workerPool.Start(); err != nil {
		return err
	}

	log.Emit(logger.INFO, "Job service started with %d workers\n", service.workerPool.Size())
	<-ctx.Done()

	log.Emit(logger.STOP, "Job service shutting down, cancelling outstanding jobs\n")
	service.cancel()
	service.workerPool.Close()

	return nil
}

// Submit checks the requester is authorized and that the target can be
// dispatched before queueing a new job. The returned outcome is either
// Accepted (with the new job's ID) or Rejected; in the latter case no job
// is created and nothing touches the file system.
func (service *Service) Submit(requester access.UserID, target dispatch.Target) Outcome {
	if err := service.Gate.Authorize(requester); err != nil {
		return service.reject(requester, target, err)
	}

	plan, err := service.Dispatcher.Dispatch(target)
	if err != nil {
		return service.reject(requester, target, err)
	}

	now := time.Now()
	var ctx context.Context
	var cancel context.CancelFunc
	var deadline time.Time
	if service.config.Timeout > 0 {
		deadline = now.Add(service.config.Timeout)
		ctx, cancel = context.WithDeadline(service.ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(service.ctx)
	}

	job := &trackedJob{
		Job: Job{
			ID:          uuid.New(),
			RequesterID: requester,
			Target:      target,
			Kind:        plan.Kind,
			Status:      Pending,
			CreatedAt:   now,
			Deadline:    deadline,
		},
		plan:   plan,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	log.Emit(logger.NEW, "Accepted %s\n", &job.Job)

	service.Lock()
	service.jobs = append(service.jobs, job)
	job.stop = context.AfterFunc(ctx, func() { service.expirePending(job) })
	depth := service.pendingCountLocked()
	service.Unlock()

	service.Metrics.IncSubmitted(plan.Kind.String(), "accepted")
	service.Metrics.SetQueueDepth(depth)
	service.notify(job.ID, event.JOB_UPDATE)
	service.workerPool.WakeupWorkers()

	return Outcome{Kind: OutcomeAccepted, JobID: job.ID}
}

// Cancel stops the job with the ID provided. A pending job fails immediately, a
// running job's subprocess is terminated and the job fails once the worker
// observes the cancellation.
func (service *Service) Cancel(id uuid.UUID) error {
	service.Lock()
	job := service.findLocked(id)
	if job == nil {
		service.Unlock()
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		service.Unlock()
		return ErrJobFinished
	}

	wasPending := job.Status == Pending
	if wasPending {
		service.abandonLocked(job, &Error{Kind: Cancelled, Detail: "cancelled before execution", cause: context.Canceled})
	}
	service.Unlock()

	log.Emit(logger.REMOVE, "Cancelling job %s\n", id)
	job.cancel()
	if wasPending {
		service.completed(job)
	}

	return nil
}

// Wait blocks until the job reaches a terminal state (or the context is
// cancelled) and returns its outcome.
func (service *Service) Wait(ctx context.Context, id uuid.UUID) (Outcome, error) {
	service.Lock()
	job := service.findLocked(id)
	service.Unlock()
	if job == nil {
		return Outcome{}, ErrJobNotFound
	}

	select {
	case <-job.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	service.Lock()
	defer service.Unlock()
	return job.Outcome(), nil
}

// Job returns a snapshot of the job with the ID provided
func (service *Service) Job(id uuid.UUID) (Job, bool) {
	service.Lock()
	defer service.Unlock()

	if job := service.findLocked(id); job != nil {
		return job.snapshot(), true
	}

	return Job{}, false
}

// Jobs returns a snapshot of every job known to the service, in submission order
func (service *Service) Jobs() []Job {
	service.Lock()
	defer service.Unlock()

	snapshots := make([]Job, len(service.jobs))
	for i, job := range service.jobs {
		snapshots[i] = job.snapshot()
	}

	return snapshots
}

// processNextJob is the worker function for the Service, which is called
// by the services WorkerPool. It claims the oldest PENDING job and runs it
// to completion.
func (service *Service) processNextJob(w worker.Worker) (bool, error) {
	job := service.claimPendingJob()
	if job == nil {
		return false, nil
	}

	log.Emit(logger.INFO, "Worker %s executing %s\n", w.Label(), &job.Job)
	service.notify(job.ID, event.JOB_UPDATE)

	record, resolution, err := service.execute(job)

	service.Lock()
	if err != nil {
		service.failLocked(job, classifyError(err))
	} else {
		service.succeedLocked(job, record, resolution)
	}
	service.Unlock()

	service.completed(job)
	return true, nil
}

// claimPendingJob will find the oldest PENDING job whose context is still alive,
// and set it's status to RUNNING to prevent another worker from claiming it
// once the mutex lock is released. Expired jobs are left for their
// expiry callback to fail.
func (service *Service) claimPendingJob() *trackedJob {
	service.Lock()
	defer service.Unlock()

	for _, job := range service.jobs {
		if job.Status != Pending || job.ctx.Err() != nil {
			continue
		}

		started := time.Now()
		job.Status = Running
		job.StartedAt = &started
		service.Metrics.SetQueueDepth(service.pendingCountLocked())
		return job
	}

	return nil
}

// execute runs the pipeline for a claimed job inside a private staging
// directory, which is always removed once execution completes.
func (service *Service) execute(job *trackedJob) (*ledger.UploadRecord, *resolve.Resolution, error) {
	stagingDir := filepath.Join(service.config.StagingDir, job.ID.String())
	if err := os.MkdirAll(stagingDir, os.ModePerm); err != nil {
		return nil, nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(stagingDir); err != nil {
			log.Warnf("Failed to remove staging directory %s: %v\n", stagingDir, err)
		}
	}()

	before, err := resolve.TakeSnapshot(stagingDir)
	if err != nil {
		return nil, nil, err
	}

	var result *tool.ExecutionResult
	if job.plan.RequiresExecution() {
		// The job's context carries the deadline set at submission
		if result, err = service.Engine.Run(job.ctx, job.plan, stagingDir, 0); err != nil {
			return nil, nil, err
		}
	} else if err := stageAttachment(job.ctx, job.plan.Target.Attachment, stagingDir); err != nil {
		return nil, nil, err
	}

	if err := job.ctx.Err(); err != nil {
		return nil, nil, err
	}

	resolution, err := service.Resolver.Resolve(job.plan, result, stagingDir, before)
	if err != nil {
		return nil, nil, err
	}

	record, err := service.Ledger.Append(ledger.NewRecord(job.RequesterID, job.Target.Source(), resolution.Primary.Metadata))
	if err != nil {
		log.Errorf("Artifact %s was published for job %s but could not be recorded, ledger has diverged from library: %v\n", resolution.Primary.Path, job.ID, err)
		service.Metrics.IncLedgerDivergence()
		return nil, nil, err
	}

	return record, resolution, nil
}

// stageAttachment copies the attachment content in to the staging directory
func stageAttachment(ctx context.Context, attachment *dispatch.Attachment, stagingDir string) (err error) {
	if attachment == nil {
		return dispatch.ErrEmptyTarget
	}

	src, err := attachment.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open attachment %s: %w", attachment.Filename, err)
	}
	defer src.Close()

	dest, err := os.Create(filepath.Join(stagingDir, attachment.Filename))
	if err != nil {
		return fmt.Errorf("failed to stage attachment %s: %w", attachment.Filename, err)
	}
	defer func() { err = multierr.Append(err, dest.Close()) }()

	if _, err := io.Copy(dest, src); err != nil {
		return fmt.Errorf("failed to stage attachment %s: %w", attachment.Filename, err)
	}

	return nil
}

// expirePending fails the job if its context ends (deadline or cancellation)
// before a worker admits it. Running jobs are failed by their worker instead.
func (service *Service) expirePending(job *trackedJob) {
	service.Lock()
	if job.Status != Pending {
		service.Unlock()
		return
	}

	err := classifyError(job.ctx.Err())
	err.Detail = fmt.Sprintf("job expired before it was admitted: %s", err.Detail)
	service.abandonLocked(job, err)
	service.Unlock()

	service.completed(job)
}

// abandonLocked fails a pending job without handing it to a worker. The job is
// admitted first so that it still passes through Running; no tool is spawned.
func (service *Service) abandonLocked(job *trackedJob, err *Error) {
	if !service.transitionLocked(job, Running) {
		return
	}

	started := time.Now()
	job.StartedAt = &started
	service.failLocked(job, err)
}

func (service *Service) failLocked(job *trackedJob, err *Error) {
	if !service.transitionLocked(job, Failed) {
		return
	}

	job.Err = err
	log.Emit(logger.ERROR, "Job %s failed: %v\n", job.ID, err)
}

func (service *Service) succeedLocked(job *trackedJob, record *ledger.UploadRecord, resolution *resolve.Resolution) {
	if !service.transitionLocked(job, Succeeded) {
		return
	}

	job.Record = record
	for _, artifact := range resolution.Secondary {
		job.Secondary = append(job.Secondary, artifact.Filename)
	}
	job.Discarded = resolution.Discarded
	log.Emit(logger.SUCCESS, "Job %s succeeded: %s\n", job.ID, record)
}

func (service *Service) transitionLocked(job *trackedJob, status Status) bool {
	if !canTransition(job.Status, status) {
		log.Emit(logger.WARNING, "Illegal status transition for job %s: %s -> %s\n", job.ID, job.Status, status)
		return false
	}

	job.Status = status
	if status.IsTerminal() {
		completedAt := time.Now()
		job.CompletedAt = &completedAt
	}

	return true
}

// completed releases the resources of a job which has reached a terminal
// state, and notifies anyone waiting on it. Must be called without the lock held.
func (service *Service) completed(job *trackedJob) {
	job.stop()
	job.cancel()

	service.Lock()
	close(job.done)
	outcome := "succeeded"
	if job.Err != nil {
		outcome = job.Err.Kind.String()
	}
	var elapsed time.Duration
	if job.StartedAt != nil && job.CompletedAt != nil {
		elapsed = job.CompletedAt.Sub(*job.StartedAt)
	}
	service.pruneLocked()
	depth := service.pendingCountLocked()
	service.Unlock()

	service.Metrics.SetQueueDepth(depth)
	service.Metrics.IncFinished(job.Kind.String(), outcome)
	if elapsed > 0 {
		service.Metrics.ObserveDuration(job.Kind.String(), elapsed)
	}
	service.notify(job.ID, event.JOB_UPDATE)
	service.notify(job.ID, event.JOB_COMPLETE)
}

// pruneLocked drops the oldest terminal jobs once more than the
// configured number are retained.
func (service *Service) pruneLocked() {
	if service.config.RetainCompleted <= 0 {
		return
	}

	terminal := 0
	for _, job := range service.jobs {
		if job.Status.IsTerminal() {
			terminal++
		}
	}

	excess := terminal - service.config.RetainCompleted
	if excess <= 0 {
		return
	}

	retained := make([]*trackedJob, 0, len(service.jobs)-excess)
	for _, job := range service.jobs {
		if excess > 0 && job.Status.IsTerminal() {
			excess--
			continue
		}

		retained = append(retained, job)
	}
	service.jobs = retained
}

func (service *Service) reject(requester access.UserID, target dispatch.Target, err error) Outcome {
	classified := classifyError(err)
	log.Emit(logger.WARNING, "Rejected submission of %s from %s: %v\n", target, requester, classified)
	service.Metrics.IncSubmitted(service.Dispatcher.Classify(target).String(), "rejected")

	return Outcome{Kind: OutcomeRejected, Err: classified}
}

func (service *Service) notify(id uuid.UUID, e event.Event) {
	if service.Events != nil {
		service.Events.Dispatch(e, id)
	}
}

func (service *Service) findLocked(id uuid.UUID) *trackedJob {
	for _, job := range service.jobs {
		if job.ID == id {
			return job
		}
	}

	return nil
}

func (service *Service) pendingCountLocked() int {
	count := 0
	for _, job := range service.jobs {
		if job.Status == Pending {
			count++
		}
	}

	return count
}
