package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"murmur/internal/jobs"
	"murmur/internal/migrate"
	"murmur/internal/model"
)

// Both persisters must satisfy the store's contract.
var (
	_ jobs.Persister = (*Postgres)(nil)
	_ jobs.Persister = (*Redis)(nil)
)

func sampleJobs() []model.Job {
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	completed := created.Add(time.Minute)

	done := model.Job{
		ID:          uuid.NewString(),
		Status:      model.StatusCompleted,
		Progress:    1,
		CreatedAt:   created,
		StartedAt:   &started,
		CompletedAt: &completed,
		Input:       model.Input{Name: "a.mp3", DeclaredFormat: "mp3", Bytes: 1234},
		Options:     model.Options{Model: "base", Language: "en", OutputFormats: []string{"txt", "srt"}},
		Result: &model.Result{
			Text:            "hello",
			Segments:        []model.Segment{{Start: 0, End: 1.5, Text: "hello"}},
			Language:        "en",
			DurationSeconds: 1.5,
		},
		Attempts: 2,
	}
	running := model.Job{
		ID:              uuid.NewString(),
		Status:          model.StatusProcessing,
		Progress:        0.4,
		CreatedAt:       created.Add(time.Second),
		StartedAt:       &started,
		Input:           model.Input{Name: "b.wav", DeclaredFormat: "wav", Bytes: 10},
		Options:         model.Options{Model: "small", OutputFormats: []string{"txt"}},
		CancelRequested: true,
	}
	failed := model.Job{
		ID:          uuid.NewString(),
		Status:      model.StatusFailed,
		CreatedAt:   created.Add(2 * time.Second),
		StartedAt:   &started,
		CompletedAt: &completed,
		Input:       model.Input{Name: "c.ogg", DeclaredFormat: "ogg", Bytes: 99},
		Options:     model.Options{Model: "base", OutputFormats: []string{"vtt"}},
		Error:       &model.Error{Kind: model.KindEngine, Message: "compute resource exhausted"},
		Attempts:    1,
	}
	return []model.Job{done, running, failed}
}

func assertRoundTrip(t *testing.T, p jobs.Persister) {
	t.Helper()
	ctx := context.Background()
	want := sampleJobs()
	for _, j := range want {
		if err := p.Save(ctx, j); err != nil {
			t.Fatalf("Save(%s) error = %v", j.ID, err)
		}
	}
	// Overwrite one record.
	want[1].Progress = 0.6
	if err := p.Save(ctx, want[1]); err != nil {
		t.Fatalf("Save() update error = %v", err)
	}
	if err := p.Delete(ctx, want[2].ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := p.Delete(ctx, want[2].ID); err != nil {
		t.Fatalf("repeated Delete() error = %v", err)
	}

	got, err := p.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	byID := make(map[string]model.Job, len(got))
	for _, j := range got {
		byID[j.ID] = j
	}
	if _, ok := byID[want[2].ID]; ok {
		t.Fatal("deleted job was loaded")
	}

	done, ok := byID[want[0].ID]
	if !ok {
		t.Fatal("completed job missing")
	}
	if done.Status != model.StatusCompleted || done.Result == nil || done.Result.Text != "hello" || len(done.Result.Segments) != 1 {
		t.Fatalf("completed job = %+v", done)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(*want[0].CompletedAt) || done.Attempts != 2 {
		t.Fatalf("completed job timestamps/attempts = %+v", done)
	}
	if len(done.Options.OutputFormats) != 2 || done.Options.Language != "en" {
		t.Fatalf("options = %+v", done.Options)
	}

	running, ok := byID[want[1].ID]
	if !ok {
		t.Fatal("processing job missing")
	}
	if running.Progress != 0.6 || !running.CancelRequested || running.CompletedAt != nil {
		t.Fatalf("processing job = %+v", running)
	}
}

func TestRedisPersister(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p := NewRedis(client, "test:")
	assertRoundTrip(t, p)

	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestRedisRecoverIntoStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	p := NewRedis(client, "")

	ctx := context.Background()
	first := jobs.NewStore(nil, jobs.WithPersister(p))
	id := uuid.NewString()
	if err := first.Create(ctx, model.Job{ID: id, Options: model.Options{Model: "base", OutputFormats: []string{"txt"}}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := first.UpdateStatus(ctx, id, model.StatusProcessing); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A new process starts from the same Redis.
	second := jobs.NewStore(nil, jobs.WithPersister(p))
	requeue, err := second.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(requeue) != 1 || requeue[0] != id {
		t.Fatalf("requeue = %v", requeue)
	}
	got, _ := second.Get(id)
	if got.Status != model.StatusQueued {
		t.Fatalf("recovered status = %s, want queued", got.Status)
	}
}

func TestRedisLoadAllSkipsDanglingIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	p := NewRedis(client, "")

	if _, err := mr.SAdd("murmur:jobs", "ghost"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	got, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("LoadAll() = %+v, want empty", got)
	}
	if ok, _ := mr.SIsMember("murmur:jobs", "ghost"); ok {
		t.Fatal("dangling index entry not removed")
	}
}

func TestPostgresPersister(t *testing.T) {
	dsn := os.Getenv("MURMUR_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("MURMUR_TEST_DATABASE_DSN not set")
	}
	ctx := context.Background()
	if err := migrate.Run(dsn); err != nil {
		t.Fatalf("migrate.Run() error = %v", err)
	}
	p, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if _, err := p.DB.ExecContext(ctx, `TRUNCATE transcription_jobs`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	assertRoundTrip(t, p)
}
