package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"murmur/internal/model"
)

// Model is a loaded transcription model. It is held by the dispatcher
// across jobs and closed when swapped or at shutdown.
type Model interface {
	ID() string
	Close() error
}

// TranscribeRequest is the input of one transcription call.
type TranscribeRequest struct {
	AudioPath string
	// OutputBase is the path prefix for engine output files.
	OutputBase string
	Language   string
}

// Transcript is the engine's output before it is turned into a job result.
type Transcript struct {
	Text     string
	Segments []model.Segment
	Language string
}

// Engine transcribes normalized audio with a loaded model.
type Engine interface {
	LoadModel(ctx context.Context, id string) (Model, error)
	Transcribe(ctx context.Context, m Model, req TranscribeRequest, rep ProgressReporter) (Transcript, error)
}

// WhisperEngine drives the whisper.cpp CLI. Model files are resolved as
// ggml-<id>.bin inside modelDir.
type WhisperEngine struct {
	path     string
	modelDir string
	threads  int
	runner   CommandRunner
}

func NewWhisperEngine(path, modelDir string, threads int, runner CommandRunner) *WhisperEngine {
	if strings.TrimSpace(path) == "" {
		path = "whisper-cli"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &WhisperEngine{path: path, modelDir: modelDir, threads: threads, runner: runner}
}

type whisperModel struct {
	id   string
	path string
}

func (m *whisperModel) ID() string   { return m.id }
func (m *whisperModel) Close() error { return nil }

var modelIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]*$`)

// ModelFileName returns the on-disk file name for a catalog id.
func ModelFileName(id string) string {
	return "ggml-" + id + ".bin"
}

func (e *WhisperEngine) LoadModel(ctx context.Context, id string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !modelIDRe.MatchString(id) {
		return nil, &StageError{Kind: model.KindEngine, Stage: StageLoadModel, Message: fmt.Sprintf("invalid model id %q", id)}
	}
	path := filepath.Join(e.modelDir, ModelFileName(id))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, &StageError{
			Kind:    model.KindEngine,
			Stage:   StageLoadModel,
			Message: fmt.Sprintf("model %q is not installed", id),
			Err:     err,
		}
	}
	return &whisperModel{id: id, path: path}, nil
}

var whisperProgressRe = regexp.MustCompile(`progress\s*=\s*(\d+(?:\.\d+)?)%`)

// exhaustionMarkers identify allocation failures on the compute device.
var exhaustionMarkers = []string{
	"out of memory",
	"failed to allocate",
	"not enough space",
	"cudaerrormemoryallocation",
	"bad_alloc",
	"cannot allocate memory",
}

func (e *WhisperEngine) Transcribe(ctx context.Context, m Model, req TranscribeRequest, rep ProgressReporter) (Transcript, error) {
	wm, ok := m.(*whisperModel)
	if !ok || wm == nil {
		return Transcript{}, &StageError{Kind: model.KindEngine, Stage: StageTranscribe, Message: "model not loaded"}
	}
	if strings.TrimSpace(req.OutputBase) == "" {
		req.OutputBase = strings.TrimSuffix(req.AudioPath, filepath.Ext(req.AudioPath))
	}

	onLine := func(line string) {
		if m := whisperProgressRe.FindStringSubmatch(line); m != nil {
			pct, _ := strconv.ParseFloat(m[1], 64)
			report(rep, pct/100)
		}
	}

	args := buildWhisperArgs(wm.path, req.AudioPath, req.OutputBase, req.Language, e.threads)
	res, err := e.runner.Run(ctx, e.path, args, onLine)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Transcript{}, ctxErr
	}
	if err != nil {
		return Transcript{}, classifyWhisper(res, err, req.AudioPath, req.OutputBase, wm.path)
	}

	raw, err := os.ReadFile(req.OutputBase + ".json")
	if err != nil {
		return Transcript{}, &StageError{
			Kind:    model.KindEngine,
			Stage:   StageTranscribe,
			Message: "whisper completed but the json transcript is missing",
			Command: res,
			Err:     err,
		}
	}
	tr, err := parseWhisperJSON(raw)
	if err != nil {
		return Transcript{}, &StageError{
			Kind:    model.KindEngine,
			Stage:   StageTranscribe,
			Message: "whisper produced an unreadable transcript",
			Command: res,
			Err:     err,
		}
	}
	report(rep, 1)
	return tr, nil
}

func classifyWhisper(res CommandResult, err error, paths ...string) *StageError {
	lower := strings.ToLower(res.Output)
	for _, marker := range exhaustionMarkers {
		if strings.Contains(lower, marker) {
			return &StageError{
				Kind:      model.KindEngine,
				Stage:     StageTranscribe,
				Message:   "compute resource exhausted",
				Exhausted: true,
				Command:   res,
				Err:       err,
			}
		}
	}
	msg := "transcription failed"
	if last := lastLine(res.Output); last != "" {
		msg = fmt.Sprintf("%s: %s", msg, stripPaths(last, paths...))
	}
	return &StageError{Kind: model.KindEngine, Stage: StageTranscribe, Message: msg, Command: res, Err: err}
}

func buildWhisperArgs(modelPath, audioPath, outputBase, language string, threads int) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outputBase,
		"-oj",
		"-pp",
		"-l", normalizeLanguage(language),
	}
	if threads > 0 {
		args = append(args, "-t", strconv.Itoa(threads))
	}
	return args
}

// normalizeLanguage maps an empty language to automatic detection.
func normalizeLanguage(raw string) string {
	lang := strings.ToLower(strings.TrimSpace(raw))
	if lang == "" {
		return "auto"
	}
	return lang
}

type whisperOutput struct {
	Params struct {
		Language string `json:"language"`
	} `json:"params"`
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseWhisperJSON(raw []byte) (Transcript, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Transcript{}, err
	}

	tr := Transcript{
		Segments: make([]model.Segment, 0, len(out.Transcription)),
		Language: out.Result.Language,
	}
	if tr.Language == "" && out.Params.Language != "auto" {
		tr.Language = out.Params.Language
	}

	var text strings.Builder
	for _, seg := range out.Transcription {
		text.WriteString(seg.Text)
		body := strings.TrimSpace(seg.Text)
		if body == "" {
			continue
		}
		tr.Segments = append(tr.Segments, model.Segment{
			Start: float64(seg.Offsets.From) / 1000,
			End:   float64(seg.Offsets.To) / 1000,
			Text:  body,
		})
	}
	tr.Text = strings.TrimSpace(text.String())
	return tr, nil
}
