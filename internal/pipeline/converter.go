package pipeline

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-audio/wav"

	"murmur/internal/model"
)

// Audio describes the normalized audio produced by conversion.
type Audio struct {
	Path            string
	DurationSeconds float64
	SampleRate      int
	Channels        int
}

// Converter normalizes an input media file into 16 kHz mono PCM audio.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string, rep ProgressReporter) (Audio, error)
}

// FFmpegConverter converts media with the ffmpeg CLI.
type FFmpegConverter struct {
	path   string
	runner CommandRunner
}

func NewFFmpegConverter(path string, runner CommandRunner) *FFmpegConverter {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &FFmpegConverter{path: path, runner: runner}
}

var (
	ffmpegDurationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	ffmpegTimeRe     = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// transientFFmpegMarkers identify I/O failures that may succeed on retry.
var transientFFmpegMarkers = []string{
	"resource temporarily unavailable",
	"input/output error",
	"connection reset",
	"connection timed out",
	"device or resource busy",
	"eagain",
}

func (c *FFmpegConverter) Convert(ctx context.Context, inputPath, outputPath string, rep ProgressReporter) (Audio, error) {
	if strings.TrimSpace(inputPath) == "" || strings.TrimSpace(outputPath) == "" {
		return Audio{}, &StageError{Kind: model.KindConversion, Stage: StageConvert, Message: "input and output paths are required"}
	}
	if _, err := os.Stat(inputPath); err != nil {
		return Audio{}, &StageError{Kind: model.KindConversion, Stage: StageConvert, Message: "cannot access input media", Err: err}
	}

	var total float64
	onLine := func(line string) {
		if m := ffmpegDurationRe.FindStringSubmatch(line); m != nil && total == 0 {
			total = clockSeconds(m[1], m[2], m[3])
			return
		}
		if m := ffmpegTimeRe.FindStringSubmatch(line); m != nil && total > 0 {
			report(rep, clockSeconds(m[1], m[2], m[3])/total)
		}
	}

	args := buildFFmpegArgs(inputPath, outputPath)
	res, err := c.runner.Run(ctx, c.path, args, onLine)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Audio{}, ctxErr
	}
	if err != nil {
		return Audio{}, classifyFFmpeg(res, err, inputPath, outputPath)
	}

	audio, err := readWAV(outputPath)
	if err != nil {
		return Audio{}, &StageError{
			Kind:    model.KindConversion,
			Stage:   StageConvert,
			Message: "ffmpeg completed but produced no readable audio",
			Command: res,
			Err:     err,
		}
	}
	report(rep, 1)
	return audio, nil
}

func classifyFFmpeg(res CommandResult, err error, paths ...string) *StageError {
	msg := "audio conversion failed"
	if last := lastLine(res.Output); last != "" {
		msg = fmt.Sprintf("%s: %s", msg, stripPaths(last, paths...))
	}
	lower := strings.ToLower(res.Output + " " + err.Error())
	transient := false
	for _, marker := range transientFFmpegMarkers {
		if strings.Contains(lower, marker) {
			transient = true
			break
		}
	}
	return &StageError{
		Kind:      model.KindConversion,
		Stage:     StageConvert,
		Message:   msg,
		Transient: transient,
		Command:   res,
		Err:       err,
	}
}

// readWAV reads the header of a converted file.
func readWAV(path string) (Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return Audio{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Audio{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	d, err := dec.Duration()
	if err != nil {
		return Audio{}, fmt.Errorf("read wav duration: %w", err)
	}
	return Audio{
		Path:            path,
		DurationSeconds: d.Seconds(),
		SampleRate:      int(dec.SampleRate),
		Channels:        int(dec.NumChans),
	}, nil
}

// buildFFmpegArgs builds args for mono 16 kHz PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

func clockSeconds(h, m, s string) float64 {
	hh, _ := strconv.ParseFloat(h, 64)
	mm, _ := strconv.ParseFloat(m, 64)
	ss, _ := strconv.ParseFloat(s, 64)
	return hh*3600 + mm*60 + ss
}
