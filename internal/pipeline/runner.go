package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// outputTailBytes bounds how much command output is kept for error messages.
const outputTailBytes = 8 << 10

// CommandResult captures the parts of a finished process the stages need.
type CommandResult struct {
	Command  string
	Args     []string
	ExitCode int
	Output   string
}

// CommandRunner abstracts process execution so stages can be tested without
// ffmpeg or whisper installed. onLine receives each line the process writes
// to stderr as it is produced; carriage returns also end a line.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, onLine func(line string)) (CommandResult, error)
}

// ExecRunner runs commands via os/exec. Cancelling ctx kills the process.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed.
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string, onLine func(line string)) (CommandResult, error) {
	res := CommandResult{Command: name, Args: append([]string(nil), args...), ExitCode: -1}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	tail := &tailBuffer{max: outputTailBytes}
	cmd.Stdout = tail
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return res, err
	}
	if err := cmd.Start(); err != nil {
		return res, err
	}

	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	sc.Split(scanLines)
	for sc.Scan() {
		line := sc.Text()
		_, _ = tail.Write([]byte(line + "\n"))
		if onLine != nil && line != "" {
			onLine(line)
		}
	}
	if sc.Err() != nil {
		_, _ = io.Copy(tail, stderr)
	}

	err = cmd.Wait()
	res.Output = tail.String()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	res.ExitCode = 0
	return res, nil
}

// scanLines splits on \n, \r\n or a bare \r, which ffmpeg uses to redraw
// its stats line.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		adv := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			adv++
		}
		return adv, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// lastLine returns the last non-empty line of out.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// stripPaths rewrites each path in line to its base name and drops the
// directory of any sibling file, so messages do not expose the data-dir
// layout.
func stripPaths(line string, paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		line = strings.ReplaceAll(line, p, filepath.Base(p))
		if dir := filepath.Dir(p); dir != "." && dir != string(filepath.Separator) {
			line = strings.ReplaceAll(line, dir+string(filepath.Separator), "")
		}
	}
	return line
}
