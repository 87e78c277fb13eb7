package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"murmur/internal/model"
)

// fakeRunner replays scripted stderr lines and outcomes.
type fakeRunner struct {
	run func(ctx context.Context, name string, args []string, onLine func(string)) (CommandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (CommandResult, error) {
	if f.run == nil {
		return CommandResult{Command: name, Args: args}, nil
	}
	return f.run(ctx, name, args, onLine)
}

type recorder struct {
	mu     sync.Mutex
	values []float64
}

func (r *recorder) Report(f float64) {
	r.mu.Lock()
	r.values = append(r.values, f)
	r.mu.Unlock()
}

func (r *recorder) last() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return -1
	}
	return r.values[len(r.values)-1]
}

func writeWAV(t *testing.T, path string, seconds int) {
	t.Helper()
	const rate = 16000
	dataLen := uint32(seconds * rate * 2)
	buf := make([]byte, 44, 44+int(dataLen))
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], 36+dataLen)
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], rate)
	binary.LittleEndian.PutUint32(buf[28:], rate*2)
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], dataLen)
	buf = append(buf, make([]byte, dataLen)...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestConvertReportsProgressAndDuration(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "talk.mp3")
	out := filepath.Join(dir, "audio.wav")
	mustWriteFile(t, in, "media")

	var gotArgs []string
	runner := &fakeRunner{run: func(_ context.Context, name string, args []string, onLine func(string)) (CommandResult, error) {
		gotArgs = args
		onLine("  Duration: 00:00:10.00, start: 0.000000, bitrate: 128 kb/s")
		onLine("size=     128kB time=00:00:05.00 bitrate= 209.7kbits/s speed=50x")
		writeWAV(t, args[len(args)-1], 10)
		return CommandResult{Command: name}, nil
	}}

	rec := &recorder{}
	audio, err := NewFFmpegConverter("ffmpeg-custom", runner).Convert(context.Background(), in, out, rec)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if math.Abs(audio.DurationSeconds-10) > 0.01 {
		t.Fatalf("duration = %v, want 10", audio.DurationSeconds)
	}
	if audio.SampleRate != 16000 || audio.Channels != 1 {
		t.Fatalf("audio = %+v", audio)
	}
	if len(rec.values) < 2 || rec.values[0] != 0.5 || rec.last() != 1 {
		t.Fatalf("progress reports = %v", rec.values)
	}
	if argValue(gotArgs, "-ar") != "16000" || argValue(gotArgs, "-ac") != "1" || argValue(gotArgs, "-i") != in {
		t.Fatalf("ffmpeg args = %v", gotArgs)
	}
}

func TestConvertClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		output    string
		transient bool
	}{
		{"corrupt input", "talk.mp3: Invalid data found when processing input\n", false},
		{"io error", "av_interleaved_write_frame(): Input/output error\n", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			in := filepath.Join(dir, "talk.mp3")
			mustWriteFile(t, in, "media")

			runner := &fakeRunner{run: func(_ context.Context, name string, _ []string, _ func(string)) (CommandResult, error) {
				return CommandResult{Command: name, ExitCode: 1, Output: tc.output}, errors.New("exit status 1")
			}}
			_, err := NewFFmpegConverter("", runner).Convert(context.Background(), in, filepath.Join(dir, "out.wav"), nil)

			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *StageError", err)
			}
			if se.Kind != model.KindConversion || se.Stage != StageConvert {
				t.Fatalf("stage error = %+v", se)
			}
			if IsTransient(err) != tc.transient {
				t.Fatalf("IsTransient() = %v, want %v", IsTransient(err), tc.transient)
			}
		})
	}
}

func TestConvertReturnsContextError(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "talk.mp3")
	mustWriteFile(t, in, "media")

	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{run: func(_ context.Context, name string, _ []string, _ func(string)) (CommandResult, error) {
		cancel()
		return CommandResult{Command: name, ExitCode: -1}, errors.New("signal: killed")
	}}
	_, err := NewFFmpegConverter("", runner).Convert(ctx, in, filepath.Join(dir, "out.wav"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestLoadModel(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, ModelFileName("base")), "model")
	e := NewWhisperEngine("", dir, 0, &fakeRunner{})

	m, err := e.LoadModel(context.Background(), "base")
	if err != nil {
		t.Fatalf("LoadModel(base) error = %v", err)
	}
	if m.ID() != "base" {
		t.Fatalf("ID() = %q", m.ID())
	}

	for _, id := range []string{"small", "../base", ""} {
		_, err := e.LoadModel(context.Background(), id)
		var se *StageError
		if !errors.As(err, &se) || se.Kind != model.KindEngine {
			t.Fatalf("LoadModel(%q) error = %v, want EngineError", id, err)
		}
	}
}

const whisperJSON = `{
  "params": {"model": "models/ggml-base.bin", "language": "auto"},
  "result": {"language": "en"},
  "transcription": [
    {"timestamps": {"from": "00:00:00,000", "to": "00:00:02,500"}, "offsets": {"from": 0, "to": 2500}, "text": " Hello there."},
    {"timestamps": {"from": "00:00:02,500", "to": "00:00:05,000"}, "offsets": {"from": 2500, "to": 5000}, "text": " General Kenobi."}
  ]
}`

func TestTranscribeParsesJSONOutput(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, ModelFileName("base")), "model")

	var gotArgs []string
	runner := &fakeRunner{run: func(_ context.Context, name string, args []string, onLine func(string)) (CommandResult, error) {
		gotArgs = args
		onLine("whisper_print_progress_callback: progress =  25%")
		onLine("whisper_print_progress_callback: progress =  80%")
		mustWriteFile(t, argValue(args, "-of")+".json", whisperJSON)
		return CommandResult{Command: name}, nil
	}}
	e := NewWhisperEngine("whisper-custom", dir, 4, runner)
	m, err := e.LoadModel(context.Background(), "base")
	if err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}

	rec := &recorder{}
	tr, err := e.Transcribe(context.Background(), m, TranscribeRequest{
		AudioPath:  filepath.Join(dir, "audio.wav"),
		OutputBase: filepath.Join(dir, "transcript"),
	}, rec)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if tr.Text != "Hello there. General Kenobi." {
		t.Fatalf("text = %q", tr.Text)
	}
	if tr.Language != "en" || len(tr.Segments) != 2 || tr.Segments[1].Start != 2.5 || tr.Segments[1].End != 5 {
		t.Fatalf("transcript = %+v", tr)
	}
	if rec.values[0] != 0.25 || rec.last() != 1 {
		t.Fatalf("progress = %v", rec.values)
	}
	if argValue(gotArgs, "-l") != "auto" || argValue(gotArgs, "-t") != "4" {
		t.Fatalf("whisper args = %v", gotArgs)
	}
	if !strings.HasSuffix(argValue(gotArgs, "-m"), "ggml-base.bin") {
		t.Fatalf("model arg = %q", argValue(gotArgs, "-m"))
	}
}

func TestTranscribeDetectsExhaustion(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, ModelFileName("base")), "model")
	runner := &fakeRunner{run: func(_ context.Context, name string, _ []string, _ func(string)) (CommandResult, error) {
		return CommandResult{Command: name, ExitCode: 134, Output: "ggml_cuda_host_malloc: failed to allocate 512.00 MiB of pinned memory: out of memory\n"}, errors.New("exit status 134")
	}}
	e := NewWhisperEngine("", dir, 0, runner)
	m, _ := e.LoadModel(context.Background(), "base")

	_, err := e.Transcribe(context.Background(), m, TranscribeRequest{AudioPath: filepath.Join(dir, "a.wav")}, nil)
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if se.Kind != model.KindEngine || !se.Exhausted || IsTransient(err) {
		t.Fatalf("stage error = %+v", se)
	}
	if je := se.JobError(); je.Kind != model.KindEngine {
		t.Fatalf("job error kind = %s", je.Kind)
	}
}

func TestScale(t *testing.T) {
	rec := &recorder{}
	s := Scale(rec, 0.2, 0.99)
	s.Report(0)
	s.Report(0.5)
	s.Report(2)
	want := []float64{0.2, 0.595, 0.99}
	for i, w := range want {
		if math.Abs(rec.values[i]-w) > 1e-9 {
			t.Fatalf("report %d = %v, want %v", i, rec.values[i], w)
		}
	}
}

func TestScanLinesSplitsCarriageReturns(t *testing.T) {
	data := []byte("a\rb\r\nc\nd")
	var got []string
	for len(data) > 0 {
		adv, tok, _ := scanLines(data, true)
		got = append(got, string(tok))
		data = data[adv:]
	}
	if strings.Join(got, ",") != "a,b,c,d" {
		t.Fatalf("tokens = %v", got)
	}
}

func TestConvertFailureHidesStagingPaths(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "input", "talk.mp3")
	if err := os.MkdirAll(filepath.Dir(in), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	mustWriteFile(t, in, "media")
	out := filepath.Join(dir, "work", "audio.wav")

	runner := &fakeRunner{run: func(_ context.Context, name string, _ []string, _ func(string)) (CommandResult, error) {
		return CommandResult{Command: name, ExitCode: 1, Output: in + ": Invalid data found when processing input\n"}, errors.New("exit status 1")
	}}
	_, err := NewFFmpegConverter("", runner).Convert(context.Background(), in, out, nil)

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if strings.Contains(se.Message, dir) {
		t.Fatalf("message %q leaks the staging directory", se.Message)
	}
	if want := "audio conversion failed: talk.mp3: Invalid data found when processing input"; se.Message != want {
		t.Fatalf("message = %q, want %q", se.Message, want)
	}
}

func TestStripPaths(t *testing.T) {
	in := filepath.Join("/srv", "murmur", "jobs", "abc", "input", "talk.mp3")
	got := stripPaths("Error opening "+in+" and "+filepath.Join(filepath.Dir(in), "other.wav"), in)
	if want := "Error opening talk.mp3 and other.wav"; got != want {
		t.Fatalf("stripPaths() = %q, want %q", got, want)
	}
	if got := stripPaths("no paths here", "", in); got != "no paths here" {
		t.Fatalf("stripPaths() = %q", got)
	}
}

func TestAcceleratorDetectParsesDevices(t *testing.T) {
	var gotName string
	var gotArgs []string
	runner := &fakeRunner{run: func(_ context.Context, name string, args []string, _ func(string)) (CommandResult, error) {
		gotName, gotArgs = name, args
		return CommandResult{Command: name, Output: "NVIDIA GeForce RTX 4090, 24564 MiB, 8.9\nTesla T4, 15360 MiB, 7.5\n"}, nil
	}}
	acc := NewAccelerator("", runner)

	devices, err := acc.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if gotName != "nvidia-smi" || strings.Join(gotArgs, " ") != "--query-gpu=name,memory.total,compute_cap --format=csv,noheader" {
		t.Fatalf("ran %s %v", gotName, gotArgs)
	}
	want := []Device{
		{Name: "NVIDIA GeForce RTX 4090", MemoryMiB: 24564, ComputeCapability: "8.9"},
		{Name: "Tesla T4", MemoryMiB: 15360, ComputeCapability: "7.5"},
	}
	if len(devices) != len(want) {
		t.Fatalf("devices = %+v", devices)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Fatalf("device %d = %+v, want %+v", i, devices[i], want[i])
		}
	}
	if err := acc.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	details, ok := acc.Details().([]Device)
	if !ok || len(details) != 2 {
		t.Fatalf("Details() = %#v", acc.Details())
	}
}

func TestAcceleratorAbsent(t *testing.T) {
	t.Run("no devices listed", func(t *testing.T) {
		runner := &fakeRunner{run: func(_ context.Context, name string, _ []string, _ func(string)) (CommandResult, error) {
			return CommandResult{Command: name, Output: "\n"}, nil
		}}
		acc := NewAccelerator("nvidia-smi", runner)
		if err := acc.Ping(context.Background()); !errors.Is(err, ErrNoAccelerator) {
			t.Fatalf("Ping() error = %v, want ErrNoAccelerator", err)
		}
	})
	t.Run("driver missing", func(t *testing.T) {
		runner := &fakeRunner{run: func(_ context.Context, name string, _ []string, _ func(string)) (CommandResult, error) {
			return CommandResult{Command: name, ExitCode: 9, Output: "NVIDIA-SMI has failed because it couldn't communicate with the NVIDIA driver.\n"}, errors.New("exit status 9")
		}}
		acc := NewAccelerator("nvidia-smi", runner)
		_, err := acc.Detect(context.Background())
		if err == nil || !strings.Contains(err.Error(), "couldn't communicate") {
			t.Fatalf("Detect() error = %v", err)
		}
		if d := acc.Details().([]Device); len(d) != 0 {
			t.Fatalf("Details() after failure = %+v", d)
		}
	})
}
