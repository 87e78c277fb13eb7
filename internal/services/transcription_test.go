package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"murmur/internal/broadcast"
	"murmur/internal/files"
	"murmur/internal/jobs"
	"murmur/internal/model"
	"murmur/internal/pipeline"
)

type stubConverter struct{}

func (stubConverter) Convert(_ context.Context, _, out string, rep pipeline.ProgressReporter) (pipeline.Audio, error) {
	rep.Report(1)
	return pipeline.Audio{Path: out, DurationSeconds: 10}, nil
}

type stubModel struct{ id string }

func (m stubModel) ID() string   { return m.id }
func (m stubModel) Close() error { return nil }

type stubEngine struct {
	block chan struct{}
}

func (stubEngine) LoadModel(_ context.Context, id string) (pipeline.Model, error) {
	return stubModel{id: id}, nil
}

func (e stubEngine) Transcribe(ctx context.Context, _ pipeline.Model, _ pipeline.TranscribeRequest, rep pipeline.ProgressReporter) (pipeline.Transcript, error) {
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return pipeline.Transcript{}, ctx.Err()
		}
	}
	rep.Report(1)
	return pipeline.Transcript{
		Text:     "ten seconds of speech",
		Segments: []model.Segment{{Start: 0, End: 10, Text: "ten seconds of speech"}},
		Language: "en",
	}, nil
}

type fixture struct {
	svc     TranscriptionService
	store   *jobs.Store
	disp    *jobs.Dispatcher
	files   *files.Manager
	events  *broadcast.Broadcaster
	dataDir string
	cancel  context.CancelFunc
	done    chan struct{}
}

func newFixture(t *testing.T, eng stubEngine) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	modelDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(modelDir, pipeline.ModelFileName("base")), []byte("m"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	fm, err := files.NewManager(dataDir)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	st := jobs.NewStore(nil)
	events := broadcast.New()
	disp := jobs.NewDispatcher(st, jobs.NewQueue(), jobs.Stages{Converter: stubConverter{}, Engine: eng}, fm, events,
		jobs.DispatcherOptions{RetryBackoffBase: time.Millisecond}, nil)

	f := &fixture{
		svc: NewTranscriptionService(st, disp, fm, events, TranscriptionOptions{
			MaxFileSizeBytes: 1 << 20,
			DefaultModel:     "base",
			Models:           []string{"base", "small"},
			ModelDir:         modelDir,
		}, nil),
		store:   st,
		disp:    disp,
		files:   fm,
		events:  events,
		dataDir: dataDir,
	}
	t.Cleanup(f.stop)
	return f
}

func (f *fixture) start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		f.disp.Run(ctx)
	}()
}

func (f *fixture) stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
		f.cancel = nil
	}
}

func (f *fixture) wait(t *testing.T, id string, want model.Status) model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, err := f.svc.Get(id); err == nil && job.Status == want {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	job, _ := f.svc.Get(id)
	t.Fatalf("job %s status = %s, want %s", id, job.Status, want)
	return job
}

func wavBytes(seconds int) []byte {
	const rate = 16000
	dataLen := uint32(seconds * rate * 2)
	buf := make([]byte, 44)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], 36+dataLen)
	copy(buf[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], rate)
	binary.LittleEndian.PutUint32(buf[28:], rate*2)
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], dataLen)
	return append(buf, make([]byte, dataLen)...)
}

func upload(name string, data []byte) Upload {
	return Upload{Name: name, Size: int64(len(data)), Body: bytes.NewReader(data)}
}

func kindOf(t *testing.T, err error) model.ErrorKind {
	t.Helper()
	var me *model.Error
	if !errors.As(err, &me) {
		t.Fatalf("error %v is not a *model.Error", err)
	}
	return me.Kind
}

func jobDirs(t *testing.T, dataDir string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dataDir, "jobs"))
	if err != nil {
		t.Fatalf("read jobs dir: %v", err)
	}
	return len(entries)
}

func TestSubmitRejectsInvalidUploads(t *testing.T) {
	f := newFixture(t, stubEngine{})
	wav := wavBytes(1)

	cases := []struct {
		name string
		up   Upload
	}{
		{"unsupported container", upload("notes.txt", []byte("hello"))},
		{"no extension", upload("clip", wav)},
		{"empty file", upload("clip.wav", nil)},
		{"too large", Upload{Name: "clip.wav", Size: 2 << 20, Body: bytes.NewReader(wav)}},
		{"unknown model", func() Upload { u := upload("clip.wav", wav); u.Model = "huge"; return u }()},
		{"bad language", func() Upload { u := upload("clip.wav", wav); u.Language = "english!"; return u }()},
		{"bad output", func() Upload { u := upload("clip.wav", wav); u.OutputFormats = []string{"docx"}; return u }()},
		{"text disguised as wav", upload("clip.wav", []byte("this is just some plain text, not audio at all"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tc.up)
			if err == nil {
				t.Fatal("Submit() succeeded, want ValidationError")
			}
			if k := kindOf(t, err); k != model.KindValidation {
				t.Fatalf("kind = %s, want ValidationError", k)
			}
		})
	}

	if n := len(f.store.List(jobs.ListFilter{})); n != 0 {
		t.Fatalf("store has %d jobs after rejected submissions", n)
	}
	if n := jobDirs(t, f.dataDir); n != 0 {
		t.Fatalf("data dir has %d job dirs after rejected submissions", n)
	}
}

func TestSubmitAppliesDefaults(t *testing.T) {
	f := newFixture(t, stubEngine{})
	job, err := f.svc.Submit(context.Background(), upload("Meeting.WAV", wavBytes(1)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if job.Status != model.StatusQueued || job.Options.Model != "base" || job.Options.Language != "auto" {
		t.Fatalf("job = %+v", job)
	}
	if len(job.Options.OutputFormats) != 1 || job.Options.OutputFormats[0] != "txt" {
		t.Fatalf("outputs = %v", job.Options.OutputFormats)
	}
	if job.Input.DeclaredFormat != "wav" || job.Input.Bytes != int64(len(wavBytes(1))) {
		t.Fatalf("input = %+v", job.Input)
	}
}

func TestSubmitRunDownloadRoundTrip(t *testing.T) {
	f := newFixture(t, stubEngine{})
	up := upload("talk.wav", wavBytes(1))
	up.OutputFormats = []string{"srt,txt", "srt"}
	job, err := f.svc.Submit(context.Background(), up)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(job.Options.OutputFormats) != 2 {
		t.Fatalf("outputs = %v", job.Options.OutputFormats)
	}

	if _, err := f.svc.Download(job.ID, "txt"); kindOf(t, err) != model.KindConflict {
		t.Fatalf("download before completion error = %v, want ConflictError", err)
	}

	f.start()
	done := f.wait(t, job.ID, model.StatusCompleted)

	dl, err := f.svc.Download(job.ID, "json")
	if err != nil {
		t.Fatalf("Download(json) error = %v", err)
	}
	raw, err := os.ReadFile(dl.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var got model.Result
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if got.Text != done.Result.Text || len(got.Segments) != len(done.Result.Segments) || got.DurationSeconds != done.Result.DurationSeconds {
		t.Fatalf("artifact %+v does not match record %+v", got, *done.Result)
	}

	def, err := f.svc.Download(job.ID, "")
	if err != nil || filepath.Ext(def.Path) != ".srt" || def.FileName != "talk.srt" {
		t.Fatalf("default download = %+v, %v", def, err)
	}
	if _, err := f.svc.Download(job.ID, "vtt"); kindOf(t, err) != model.KindNotFound {
		t.Fatalf("download of unrequested format error = %v", err)
	}
}

func TestDeleteCancelsActiveAndPurgesTerminal(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, stubEngine{block: release})
	defer close(release)
	ctx := context.Background()

	running, err := f.svc.Submit(ctx, upload("a.wav", wavBytes(1)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	queued, err := f.svc.Submit(ctx, upload("b.wav", wavBytes(1)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	f.start()
	f.wait(t, running.ID, model.StatusProcessing)

	out, err := f.svc.Delete(ctx, queued.ID)
	if err != nil || out.Deleted || out.Job.Status != model.StatusCancelled {
		t.Fatalf("Delete(queued) = %+v, %v", out, err)
	}

	out, err = f.svc.Delete(ctx, running.ID)
	if err != nil || out.Deleted {
		t.Fatalf("Delete(processing) = %+v, %v", out, err)
	}
	f.wait(t, running.ID, model.StatusCancelled)

	out, err = f.svc.Delete(ctx, running.ID)
	if err != nil || !out.Deleted {
		t.Fatalf("Delete(terminal) = %+v, %v", out, err)
	}
	if _, err := f.svc.Get(running.ID); kindOf(t, err) != model.KindNotFound {
		t.Fatalf("Get after delete error = %v", err)
	}
	if _, err := f.svc.Delete(ctx, running.ID); kindOf(t, err) != model.KindNotFound {
		t.Fatalf("repeated Delete error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dataDir, "jobs", running.ID)); !os.IsNotExist(err) {
		t.Fatalf("job dir still present: %v", err)
	}
}

func TestSubscribeToFinishedJobReplaysTerminal(t *testing.T) {
	f := newFixture(t, stubEngine{})
	job, err := f.svc.Submit(context.Background(), upload("a.wav", wavBytes(1)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	f.start()
	f.wait(t, job.ID, model.StatusCompleted)

	// Simulate a restart where the topic is gone but the record remains.
	f.events.Forget(job.ID)

	sub, err := f.svc.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	var events []broadcast.Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Status != model.StatusCompleted || events[0].Result == nil {
		t.Fatalf("events = %+v", events)
	}

	if _, err := f.svc.Subscribe("00000000-0000-0000-0000-000000000000"); kindOf(t, err) != model.KindNotFound {
		t.Fatalf("Subscribe(unknown) error = %v", err)
	}
}

// deletingHub removes the job between the service's lookup and its
// terminal replay, the way a concurrent DELETE would.
type deletingHub struct {
	*broadcast.Broadcaster
	store *jobs.Store
	files *files.Manager
}

func (h deletingHub) Publish(id string, ev broadcast.Event) (broadcast.Event, bool) {
	_ = h.files.Purge(id)
	_ = h.store.Delete(context.Background(), id)
	h.Broadcaster.Forget(id)
	return h.Broadcaster.Publish(id, ev)
}

func TestSubscribeRacingDeleteLeavesNoTopic(t *testing.T) {
	f := newFixture(t, stubEngine{})
	job, err := f.svc.Submit(context.Background(), upload("a.wav", wavBytes(1)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	f.start()
	f.wait(t, job.ID, model.StatusCompleted)
	f.stop()
	f.events.Forget(job.ID)

	svc := NewTranscriptionService(f.store, f.disp, f.files, deletingHub{f.events, f.store, f.files}, TranscriptionOptions{
		MaxFileSizeBytes: 1 << 20,
		DefaultModel:     "base",
		Models:           []string{"base"},
	}, nil)
	if _, err := svc.Subscribe(job.ID); kindOf(t, err) != model.KindNotFound {
		t.Fatalf("Subscribe() error = %v, want NotFound", err)
	}

	// A sealed topic left behind would replay the terminal event and close.
	sub, err := f.events.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()
	select {
	case ev, ok := <-sub.Events():
		t.Fatalf("stale topic delivered %+v (open=%v)", ev, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDetailReportsQueuePosition(t *testing.T) {
	f := newFixture(t, stubEngine{})
	first, err := f.svc.Submit(context.Background(), upload("a.wav", wavBytes(1)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := f.svc.Submit(context.Background(), upload("b.wav", wavBytes(1)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	d, err := f.svc.Detail(second.ID)
	if err != nil {
		t.Fatalf("Detail() error = %v", err)
	}
	if d.QueuePosition != 2 {
		t.Fatalf("QueuePosition = %d, want 2", d.QueuePosition)
	}

	f.start()
	f.wait(t, first.ID, model.StatusCompleted)
	done, err := f.svc.Detail(first.ID)
	if err != nil {
		t.Fatalf("Detail() error = %v", err)
	}
	if done.QueuePosition != 0 {
		t.Fatalf("QueuePosition of finished job = %d, want 0", done.QueuePosition)
	}
	if _, err := f.svc.Detail("00000000-0000-0000-0000-000000000000"); kindOf(t, err) != model.KindNotFound {
		t.Fatalf("Detail(unknown) error = %v", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t, stubEngine{})
	if _, err := f.svc.Submit(context.Background(), upload("a.wav", wavBytes(1))); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	queued, err := f.svc.List("queued")
	if err != nil || len(queued) != 1 {
		t.Fatalf("List(queued) = %d, %v", len(queued), err)
	}
	if done, _ := f.svc.List("completed"); len(done) != 0 {
		t.Fatalf("List(completed) = %d", len(done))
	}
	if _, err := f.svc.List("sleeping"); kindOf(t, err) != model.KindValidation {
		t.Fatalf("List(bad) error = %v", err)
	}
}

func TestModelsAndFormats(t *testing.T) {
	f := newFixture(t, stubEngine{})
	models := f.svc.Models()
	if len(models) != 2 {
		t.Fatalf("models = %+v", models)
	}
	if !models[0].Default || !models[0].Installed || models[1].Installed {
		t.Fatalf("models = %+v", models)
	}
	info := f.svc.Formats()
	if len(info.Input) == 0 || len(info.Output) != 4 {
		t.Fatalf("formats = %+v", info)
	}
}
