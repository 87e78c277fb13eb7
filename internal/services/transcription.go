package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"murmur/internal/broadcast"
	"murmur/internal/files"
	"murmur/internal/formats"
	"murmur/internal/jobs"
	"murmur/internal/metrics"
	"murmur/internal/model"
	"murmur/internal/pipeline"
)

// sniffBytes is how much of an upload is inspected for its content type.
const sniffBytes = 3072

var languageRe = regexp.MustCompile(`^[a-z]{2,3}$`)

// Upload is one submission as received by the transport layer.
type Upload struct {
	Name          string
	Size          int64
	Body          io.Reader
	Model         string
	Language      string
	OutputFormats []string
}

// DeleteOutcome reports what DELETE did: requested cancellation of an
// active job, or removed a terminal one.
type DeleteOutcome struct {
	Job     model.Job
	Deleted bool
}

// Download locates a result artifact.
type Download struct {
	Path        string
	FileName    string
	ContentType string
}

// ModelInfo describes one catalog entry.
type ModelInfo struct {
	ID        string `json:"id"`
	Default   bool   `json:"default"`
	Installed bool   `json:"installed"`
}

// FormatsInfo lists accepted inputs and produced outputs.
type FormatsInfo struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// JobDetail is a job record plus its place in the queue.
type JobDetail struct {
	model.Job
	// QueuePosition is 1-based and only set while the job waits.
	QueuePosition int `json:"queuePosition,omitempty"`
}

// JobDispatcher is the part of the dispatcher the service drives.
type JobDispatcher interface {
	Enqueue(id string)
	Cancel(ctx context.Context, id string) (model.Job, error)
	QueuePosition(id string) int
}

// FileStore is the part of the file lifecycle manager the service uses.
type FileStore interface {
	Stage(jobID, name string, r io.Reader, limit int64) (string, int64, error)
	ResultPath(jobID, format string) (string, error)
	Purge(jobID string) error
}

// EventHub is the part of the broadcaster the service uses.
type EventHub interface {
	Publish(jobID string, ev broadcast.Event) (broadcast.Event, bool)
	Subscribe(jobID string) (*broadcast.Subscription, error)
	Forget(jobID string)
}

type TranscriptionOptions struct {
	MaxFileSizeBytes int64
	DefaultModel     string
	Models           []string
	ModelDir         string
}

// TranscriptionService is the gatekeeper between the transport and the
// job pipeline. It validates submissions and owns every operation clients
// can perform on jobs.
type TranscriptionService interface {
	Submit(ctx context.Context, up Upload) (model.Job, error)
	Get(id string) (model.Job, error)
	Detail(id string) (JobDetail, error)
	List(status string) ([]model.Job, error)
	Delete(ctx context.Context, id string) (DeleteOutcome, error)
	Download(id, format string) (Download, error)
	Subscribe(id string) (*broadcast.Subscription, error)
	Models() []ModelInfo
	Formats() FormatsInfo
}

type transcriptionService struct {
	store  *jobs.Store
	disp   JobDispatcher
	files  FileStore
	events EventHub
	opts   TranscriptionOptions
	models map[string]struct{}
	logger *slog.Logger
}

func NewTranscriptionService(st *jobs.Store, disp JobDispatcher, fs FileStore, events EventHub, opts TranscriptionOptions, logger *slog.Logger) TranscriptionService {
	if logger == nil {
		logger = slog.Default()
	}
	catalog := make(map[string]struct{}, len(opts.Models))
	for _, m := range opts.Models {
		catalog[m] = struct{}{}
	}
	return &transcriptionService{
		store:  st,
		disp:   disp,
		files:  fs,
		events: events,
		opts:   opts,
		models: catalog,
		logger: logger,
	}
}

func validation(format string, args ...any) error {
	return model.Errorf(model.KindValidation, format, args...)
}

func (s *transcriptionService) Submit(ctx context.Context, up Upload) (model.Job, error) {
	name := filepath.Base(strings.TrimSpace(up.Name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return model.Job{}, validation("a file is required")
	}
	declared := formats.DeclaredFormat(name)
	if err := formats.ValidateInput(declared); err != nil {
		return model.Job{}, validation("%s", err.Error())
	}
	if up.Size <= 0 {
		return model.Job{}, validation("file is empty")
	}
	if s.opts.MaxFileSizeBytes > 0 && up.Size > s.opts.MaxFileSizeBytes {
		return model.Job{}, validation("file exceeds the %d byte limit", s.opts.MaxFileSizeBytes)
	}

	modelID := strings.TrimSpace(up.Model)
	if modelID == "" {
		modelID = s.opts.DefaultModel
	}
	if _, ok := s.models[modelID]; !ok {
		return model.Job{}, validation("unknown model %q", modelID)
	}

	language := strings.ToLower(strings.TrimSpace(up.Language))
	if language == "" {
		language = "auto"
	}
	if language != "auto" && !languageRe.MatchString(language) {
		return model.Job{}, validation("language must be \"auto\" or a 2-3 letter code, got %q", up.Language)
	}

	outputs, err := formats.NormalizeOutputs(up.OutputFormats)
	if err != nil {
		return model.Job{}, validation("%s", err.Error())
	}

	if up.Body == nil {
		return model.Job{}, validation("a file is required")
	}
	body := bufio.NewReaderSize(up.Body, sniffBytes)
	head, err := body.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return model.Job{}, model.Internal(fmt.Errorf("read upload: %w", err))
	}
	if len(head) == 0 {
		return model.Job{}, validation("file is empty")
	}
	if _, err := formats.SniffMedia(head); err != nil {
		return model.Job{}, validation("%s", err.Error())
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return model.Job{}, model.Internal(err)
	}
	id := uid.String()

	limit := s.opts.MaxFileSizeBytes
	if limit <= 0 {
		limit = up.Size
	}
	_, written, err := s.files.Stage(id, name, body, limit)
	if err != nil {
		_ = s.files.Purge(id)
		if errors.Is(err, files.ErrTooLarge) {
			return model.Job{}, validation("file exceeds the %d byte limit", limit)
		}
		return model.Job{}, model.Internal(fmt.Errorf("stage upload: %w", err))
	}

	job := model.Job{
		ID:      id,
		Status:  model.StatusQueued,
		Input:   model.Input{Name: name, DeclaredFormat: declared, Bytes: written},
		Options: model.Options{Model: modelID, Language: language, OutputFormats: outputs},
	}
	if err := s.store.Create(ctx, job); err != nil {
		_ = s.files.Purge(id)
		return model.Job{}, model.Internal(fmt.Errorf("create job: %w", err))
	}
	created, err := s.store.Get(id)
	if err != nil {
		return model.Job{}, model.Internal(err)
	}

	s.disp.Enqueue(id)
	metrics.RecordJobSubmitted(modelID)
	s.logger.Info("job_enqueued", "job_id", id, "model", modelID, "format", declared, "bytes", written)
	return created, nil
}

func (s *transcriptionService) Get(id string) (model.Job, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return model.Job{}, notFound(id, err)
	}
	return job, nil
}

func (s *transcriptionService) Detail(id string) (JobDetail, error) {
	job, err := s.Get(id)
	if err != nil {
		return JobDetail{}, err
	}
	detail := JobDetail{Job: job}
	if job.Status == model.StatusQueued {
		detail.QueuePosition = s.disp.QueuePosition(id)
	}
	return detail, nil
}

func (s *transcriptionService) List(status string) ([]model.Job, error) {
	st := model.Status(strings.ToLower(strings.TrimSpace(status)))
	if st != "" && !st.Valid() {
		return nil, validation("unknown status %q", status)
	}
	return s.store.List(jobs.ListFilter{Status: st}), nil
}

// Delete cancels an active job, or purges a terminal one together with its
// files and event topic.
func (s *transcriptionService) Delete(ctx context.Context, id string) (DeleteOutcome, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return DeleteOutcome{}, notFound(id, err)
	}

	if !job.Status.Terminal() {
		cancelled, err := s.disp.Cancel(ctx, id)
		switch {
		case err == nil:
			return DeleteOutcome{Job: cancelled}, nil
		case errors.Is(err, jobs.ErrTerminal):
			// Finished while we were looking; purge it instead.
			job, err = s.store.Get(id)
			if err != nil {
				return DeleteOutcome{}, notFound(id, err)
			}
		case errors.Is(err, jobs.ErrNotFound):
			return DeleteOutcome{}, notFound(id, err)
		default:
			return DeleteOutcome{}, model.Internal(err)
		}
	}

	if err := s.files.Purge(id); err != nil {
		return DeleteOutcome{}, model.Internal(fmt.Errorf("purge files: %w", err))
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return DeleteOutcome{}, model.Internal(err)
	}
	s.events.Forget(id)
	s.logger.Info("job_deleted", "job_id", id, "status", job.Status)
	return DeleteOutcome{Job: job, Deleted: true}, nil
}

// Download resolves the artifact of a completed job. An empty format
// selects the first format requested at submission.
func (s *transcriptionService) Download(id, format string) (Download, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return Download{}, notFound(id, err)
	}

	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = string(formats.FormatJSON)
		if len(job.Options.OutputFormats) > 0 {
			format = job.Options.OutputFormats[0]
		}
	}
	if !formats.IsOutput(format) {
		return Download{}, validation("unsupported output format %q", format)
	}
	if job.Status != model.StatusCompleted {
		return Download{}, model.Errorf(model.KindConflict, "job %s is %s; results are available once it completes", id, job.Status)
	}

	path, err := s.files.ResultPath(id, format)
	if err != nil {
		if errors.Is(err, files.ErrNotFound) {
			return Download{}, model.Errorf(model.KindNotFound, "format %s was not produced for job %s", format, id)
		}
		return Download{}, model.Internal(err)
	}
	return Download{
		Path:        path,
		FileName:    strings.TrimSuffix(job.Input.Name, filepath.Ext(job.Input.Name)) + "." + format,
		ContentType: formats.ContentType(formats.Format(format)),
	}, nil
}

// Subscribe opens an event stream for a job. Jobs that already finished
// get their terminal event replayed so late subscribers still see it.
func (s *transcriptionService) Subscribe(id string) (*broadcast.Subscription, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return nil, notFound(id, err)
	}
	if job.Status.Terminal() {
		s.events.Publish(id, broadcast.EventFromJob(job))
	}
	sub, err := s.events.Subscribe(id)
	if err != nil {
		if errors.Is(err, broadcast.ErrTooManySubscribers) {
			return nil, model.Errorf(model.KindConflict, "job %s has too many subscribers", id)
		}
		return nil, model.Internal(err)
	}
	// A concurrent Delete may have removed the record and forgotten the
	// topic after the lookup above; the replay would then have recreated it.
	if _, err := s.store.Get(id); err != nil {
		sub.Close()
		s.events.Forget(id)
		return nil, notFound(id, err)
	}
	return sub, nil
}

func (s *transcriptionService) Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(s.opts.Models))
	for _, id := range s.opts.Models {
		installed := false
		if s.opts.ModelDir != "" {
			if info, err := os.Stat(filepath.Join(s.opts.ModelDir, pipeline.ModelFileName(id))); err == nil && !info.IsDir() {
				installed = true
			}
		}
		out = append(out, ModelInfo{ID: id, Default: id == s.opts.DefaultModel, Installed: installed})
	}
	return out
}

func (s *transcriptionService) Formats() FormatsInfo {
	return FormatsInfo{Input: formats.InputFormats(), Output: formats.OutputFormats()}
}

func notFound(id string, err error) error {
	if errors.Is(err, jobs.ErrNotFound) {
		return model.Errorf(model.KindNotFound, "job %s not found", id)
	}
	return model.Internal(err)
}
