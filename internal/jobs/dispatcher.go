package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"murmur/internal/broadcast"
	"murmur/internal/formats"
	"murmur/internal/metrics"
	"murmur/internal/model"
	"murmur/internal/pipeline"
)

// Progress ranges of the stages within a job.
const (
	convertShare  = 0.20
	transcribeEnd = 0.99
)

// errCancelRequested is the cancellation cause used when a client cancels a
// processing job.
var errCancelRequested = errors.New("cancel requested")

// Publisher receives job events.
type Publisher interface {
	Publish(jobID string, ev broadcast.Event) (broadcast.Event, bool)
}

// Workspace is the part of the file lifecycle manager the dispatcher uses.
type Workspace interface {
	InputPath(jobID, name string) (string, error)
	WorkingDir(jobID string) (string, error)
	CommitResults(jobID string, outputs map[string][]byte) (string, error)
	PurgeInput(jobID string) error
}

// Stages groups the external collaborators a job runs through.
type Stages struct {
	Converter pipeline.Converter
	Engine    pipeline.Engine
}

// DispatcherOptions tunes job execution.
type DispatcherOptions struct {
	JobTimeout       time.Duration
	RetryLimit       int
	RetryBackoffBase time.Duration
}

// Dispatcher is the single consumer of the job queue. It runs one job at a
// time and owns the loaded model, which it keeps across jobs and swaps only
// when a job asks for a different one.
type Dispatcher struct {
	store  *Store
	queue  *Queue
	stages Stages
	files  Workspace
	events Publisher
	opts   DispatcherOptions
	logger *slog.Logger

	mu            sync.Mutex
	current       string
	cancelCurrent context.CancelCauseFunc

	// model is only touched by the Run goroutine.
	model pipeline.Model
}

// NewDispatcher wires a dispatcher. Zero options fall back to a one hour
// timeout and a one second retry base.
func NewDispatcher(st *Store, q *Queue, stages Stages, files Workspace, events Publisher, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = time.Hour
	}
	if opts.RetryBackoffBase <= 0 {
		opts.RetryBackoffBase = time.Second
	}
	if opts.RetryLimit < 0 {
		opts.RetryLimit = 0
	}
	return &Dispatcher{
		store:  st,
		queue:  q,
		stages: stages,
		files:  files,
		events: events,
		opts:   opts,
		logger: logger,
	}
}

// Enqueue hands a queued job to the dispatcher. It never blocks.
func (d *Dispatcher) Enqueue(id string) {
	d.queue.Push(id)
	metrics.SetQueueDepth(d.queue.Len())
}

// QueuePosition returns the 1-based place of id among waiting jobs, or 0
// when it is not waiting.
func (d *Dispatcher) QueuePosition(id string) int {
	return d.queue.Position(id) + 1
}

// Cancel requests cancellation of a job. A queued job is cancelled at once
// and removed from the queue; a processing job is flagged and its in-flight
// stage call is interrupted.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (model.Job, error) {
	job, err := d.store.RequestCancel(ctx, id)
	if err != nil {
		return job, err
	}

	if job.Status == model.StatusCancelled {
		d.queue.Remove(id)
		metrics.SetQueueDepth(d.queue.Len())
		if err := d.files.PurgeInput(id); err != nil {
			d.logger.Warn("job_purge_input_failed", "job_id", id, "error", err)
		}
		d.publish(job)
		metrics.RecordJobFinished(string(model.StatusCancelled), "")
		d.logger.Info("job_cancelled", "job_id", id, "while", model.StatusQueued)
		return job, nil
	}

	d.mu.Lock()
	if d.current == id && d.cancelCurrent != nil {
		d.cancelCurrent(errCancelRequested)
	}
	d.mu.Unlock()
	d.logger.Info("job_cancel_requested", "job_id", id)
	return job, nil
}

// Run consumes the queue until ctx is cancelled. A job interrupted by
// shutdown stays processing so that Recover requeues it on the next start.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.releaseModel()

	d.logger.Info("dispatcher_started", "job_timeout", d.opts.JobTimeout, "retry_limit", d.opts.RetryLimit)
	for {
		id, err := d.queue.Pop(ctx)
		if err != nil {
			d.logger.Info("dispatcher_stopped")
			return
		}
		metrics.SetQueueDepth(d.queue.Len())
		d.process(ctx, id)
		if ctx.Err() != nil {
			d.logger.Info("dispatcher_stopped")
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, id string) {
	storeCtx := context.WithoutCancel(ctx)

	job, err := d.store.Get(id)
	if err != nil {
		d.logger.Warn("job_skipped", "job_id", id, "reason", "not found")
		return
	}
	if job.Status != model.StatusQueued {
		d.logger.Debug("job_skipped", "job_id", id, "status", job.Status)
		return
	}

	job, err = d.store.UpdateStatus(storeCtx, id, model.StatusProcessing)
	if err != nil {
		// Lost a race with a cancel.
		d.logger.Debug("job_skipped", "job_id", id, "error", err)
		return
	}
	d.publish(job)
	d.logger.Info("job_started", "job_id", id, "model", job.Options.Model, "input_bytes", job.Input.Bytes)

	causeCtx, cancelCause := context.WithCancelCause(ctx)
	jobCtx, cancelTimeout := context.WithTimeout(causeCtx, d.opts.JobTimeout)
	d.setCurrent(id, cancelCause)
	defer func() {
		d.setCurrent("", nil)
		cancelTimeout()
		cancelCause(nil)
	}()

	started := time.Now()
	result, runErr := d.execute(jobCtx, job, started)

	if ctx.Err() != nil {
		d.logger.Info("job_interrupted", "job_id", id, "reason", "shutdown")
		return
	}
	d.finish(storeCtx, jobCtx, job, result, runErr, started)

	if err := d.files.PurgeInput(id); err != nil {
		d.logger.Warn("job_purge_input_failed", "job_id", id, "error", err)
	}
}

func (d *Dispatcher) execute(ctx context.Context, job model.Job, started time.Time) (model.Result, error) {
	if err := d.checkCancel(job.ID); err != nil {
		return model.Result{}, err
	}

	input, err := d.files.InputPath(job.ID, job.Input.Name)
	if err != nil {
		return model.Result{}, model.Internal(fmt.Errorf("locate staged input: %w", err))
	}
	work, err := d.files.WorkingDir(job.ID)
	if err != nil {
		return model.Result{}, model.Internal(err)
	}
	rep := d.reporter(context.WithoutCancel(ctx), job.ID)

	var audio pipeline.Audio
	err = d.runStage(ctx, job.ID, pipeline.StageConvert, func(ctx context.Context) error {
		a, err := runAsync(ctx, func(ctx context.Context) (pipeline.Audio, error) {
			return d.stages.Converter.Convert(ctx, input, filepath.Join(work, "audio.wav"), pipeline.Scale(rep, 0, convertShare))
		})
		audio = a
		return err
	})
	if err != nil {
		return model.Result{}, err
	}

	if err := d.checkCancel(job.ID); err != nil {
		return model.Result{}, err
	}
	m, err := d.acquireModel(ctx, job.Options.Model)
	if err != nil {
		return model.Result{}, err
	}

	var tr pipeline.Transcript
	err = d.runStage(ctx, job.ID, pipeline.StageTranscribe, func(ctx context.Context) error {
		t, err := runAsync(ctx, func(ctx context.Context) (pipeline.Transcript, error) {
			return d.stages.Engine.Transcribe(ctx, m, pipeline.TranscribeRequest{
				AudioPath:  audio.Path,
				OutputBase: filepath.Join(work, "transcript"),
				Language:   job.Options.Language,
			}, pipeline.Scale(rep, convertShare, transcribeEnd))
		})
		tr = t
		return err
	})
	if err != nil {
		return model.Result{}, err
	}

	if err := d.checkCancel(job.ID); err != nil {
		return model.Result{}, err
	}

	language := tr.Language
	if language == "" && job.Options.Language != "" && job.Options.Language != "auto" {
		language = job.Options.Language
	}
	result := model.Result{
		Text:              tr.Text,
		Segments:          tr.Segments,
		Language:          language,
		DurationSeconds:   audio.DurationSeconds,
		ProcessingSeconds: time.Since(started).Seconds(),
	}

	outputs, err := formats.RenderAll(job.Options.OutputFormats, result)
	if err != nil {
		return model.Result{}, model.Internal(fmt.Errorf("render outputs: %w", err))
	}
	if _, err := d.files.CommitResults(job.ID, outputs); err != nil {
		return model.Result{}, model.Internal(fmt.Errorf("commit results: %w", err))
	}
	return result, nil
}

// runStage runs one stage under the retry policy. Only transient stage
// failures are retried; a cancel or timeout aborts any backoff wait.
func (d *Dispatcher) runStage(ctx context.Context, jobID string, stage pipeline.Stage, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(d.opts.RetryLimit), retry.NewExponential(d.opts.RetryBackoffBase))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.RecordStageRetry(string(stage))
			d.logger.Info("stage_retry", "job_id", jobID, "stage", stage, "attempt", attempt)
		}
		if err := d.checkCancel(jobID); err != nil {
			return err
		}
		if _, err := d.store.AddAttempt(context.WithoutCancel(ctx), jobID); err != nil {
			return model.Internal(err)
		}

		start := time.Now()
		err := fn(ctx)
		metrics.RecordStageDuration(string(stage), time.Since(start).Milliseconds())
		if err == nil {
			return nil
		}
		d.logger.Warn("stage_failed", "job_id", jobID, "stage", stage, "attempt", attempt, "error", err)
		if ctx.Err() == nil && pipeline.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// runAsync runs fn in its own goroutine and returns when it finishes or
// ctx is done, whichever comes first. A call that ignores ctx keeps running
// in the background but no longer holds up the caller.
func runAsync[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (d *Dispatcher) acquireModel(ctx context.Context, id string) (pipeline.Model, error) {
	if d.model != nil && d.model.ID() == id {
		return d.model, nil
	}
	d.releaseModel()

	m, err := runAsync(ctx, func(ctx context.Context) (pipeline.Model, error) {
		return d.stages.Engine.LoadModel(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	d.model = m
	d.logger.Info("model_loaded", "model", id)
	return m, nil
}

func (d *Dispatcher) releaseModel() {
	if d.model == nil {
		return
	}
	if err := d.model.Close(); err != nil {
		d.logger.Warn("model_close_failed", "model", d.model.ID(), "error", err)
	}
	d.logger.Info("model_released", "model", d.model.ID())
	d.model = nil
}

func (d *Dispatcher) finish(storeCtx, jobCtx context.Context, job model.Job, result model.Result, runErr error, started time.Time) {
	id := job.ID
	elapsed := time.Since(started).Milliseconds()

	if runErr == nil {
		done, err := d.store.UpdateResult(storeCtx, id, result)
		if err != nil {
			d.logger.Error("job_complete_failed", "job_id", id, "error", err)
			return
		}
		d.publish(done)
		metrics.RecordJobFinished(string(model.StatusCompleted), "")
		d.logger.Info("job_completed", "job_id", id, "latency_ms", elapsed, "attempts", done.Attempts)
		return
	}

	if d.cancelled(jobCtx, runErr) {
		done, err := d.store.UpdateStatus(storeCtx, id, model.StatusCancelled)
		if err != nil {
			d.logger.Error("job_cancel_failed", "job_id", id, "error", err)
			return
		}
		d.publish(done)
		metrics.RecordJobFinished(string(model.StatusCancelled), "")
		d.logger.Info("job_cancelled", "job_id", id, "while", model.StatusProcessing, "latency_ms", elapsed)
		return
	}

	jobErr := d.classify(jobCtx, runErr)
	done, err := d.store.UpdateError(storeCtx, id, jobErr)
	if err != nil {
		d.logger.Error("job_fail_failed", "job_id", id, "error", err)
		return
	}
	d.publish(done)
	metrics.RecordJobFinished(string(model.StatusFailed), string(jobErr.Kind))
	d.logger.Warn("job_failed", "job_id", id, "kind", jobErr.Kind, "error", runErr, "latency_ms", elapsed)
}

func (d *Dispatcher) cancelled(jobCtx context.Context, err error) bool {
	if errors.Is(err, errCancelRequested) || errors.Is(context.Cause(jobCtx), errCancelRequested) {
		return true
	}
	return false
}

func (d *Dispatcher) classify(jobCtx context.Context, err error) *model.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(context.Cause(jobCtx), context.DeadlineExceeded) {
		return model.Errorf(model.KindTimeout, "job exceeded the %s timeout", d.opts.JobTimeout)
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return se.JobError()
	}
	var me *model.Error
	if errors.As(err, &me) {
		return me
	}
	d.logger.Error("job_internal_error", "error", err)
	return model.Internal(err)
}

func (d *Dispatcher) checkCancel(id string) error {
	if d.store.CancelRequested(id) {
		return errCancelRequested
	}
	return nil
}

func (d *Dispatcher) setCurrent(id string, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = id
	d.cancelCurrent = cancel
}

// reporter turns stage progress into store updates and progress events.
// Only advances are published, so subscribers see non-decreasing progress.
func (d *Dispatcher) reporter(ctx context.Context, id string) pipeline.ProgressReporter {
	return pipeline.ReporterFunc(func(p float64) {
		job, changed, err := d.store.UpdateProgress(ctx, id, p)
		if err != nil || !changed {
			return
		}
		d.publish(job)
	})
}

func (d *Dispatcher) publish(job model.Job) {
	if d.events == nil {
		return
	}
	d.events.Publish(job.ID, broadcast.EventFromJob(job))
}
