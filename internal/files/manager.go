package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrTooLarge is returned by Stage when the upload exceeds its limit.
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrNotFound is returned when a job-scoped file does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidJobID guards path construction against non-UUID ids.
	ErrInvalidJobID = errors.New("invalid job id")
)

const (
	inputDir   = "input"
	workDir    = "work"
	resultsDir = "results"

	resultBaseName = "transcript"
)

// Manager owns the per-job file namespaces below root:
//
//	jobs/<id>/input/<name>
//	jobs/<id>/work/
//	jobs/<id>/results/transcript.<format>
type Manager struct {
	root string
}

// NewManager creates the jobs root below dataDir.
func NewManager(dataDir string) (*Manager, error) {
	root := filepath.Join(dataDir, "jobs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	return &Manager{root: root}, nil
}

// jobDir returns the namespace of one job after validating the id.
func (m *Manager) jobDir(jobID string) (string, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return filepath.Join(m.root, jobID), nil
}

// Stage streams an upload into the job's input area. At most limit bytes
// are accepted; the file only appears at its final path once fully written.
func (m *Manager) Stage(jobID, name string, r io.Reader, limit int64) (string, int64, error) {
	dir, err := m.jobDir(jobID)
	if err != nil {
		return "", 0, err
	}
	in := filepath.Join(dir, inputDir)
	if err := os.MkdirAll(in, 0o755); err != nil {
		return "", 0, fmt.Errorf("create input dir: %w", err)
	}

	tmp, err := os.CreateTemp(in, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, int64, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", 0, err
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		return fail(fmt.Errorf("write upload: %w", err))
	}
	if limit > 0 && n > limit {
		return fail(ErrTooLarge)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync upload: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("close upload: %w", err)
	}

	dst := filepath.Join(in, sanitizeName(name))
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("move upload into place: %w", err)
	}
	return dst, n, nil
}

// InputPath returns the staged upload of a job.
func (m *Manager) InputPath(jobID, name string) (string, error) {
	dir, err := m.jobDir(jobID)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, inputDir, sanitizeName(name))
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return p, nil
}

// WorkingDir returns (creating if needed) the scratch dir for conversion
// output.
func (m *Manager) WorkingDir(jobID string) (string, error) {
	dir, err := m.jobDir(jobID)
	if err != nil {
		return "", err
	}
	wd := filepath.Join(dir, workDir)
	if err := os.MkdirAll(wd, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return wd, nil
}

// CommitResults writes one artifact per format and publishes them together.
// Files are written into a hidden sibling directory which is renamed over
// results/, so readers never observe a partial set.
func (m *Manager) CommitResults(jobID string, outputs map[string][]byte) (string, error) {
	dir, err := m.jobDir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}

	staging, err := os.MkdirTemp(dir, ".results-*")
	if err != nil {
		return "", fmt.Errorf("create results staging dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(staging) }

	for format, data := range outputs {
		if err := writeFileSync(filepath.Join(staging, resultFileName(format)), data); err != nil {
			cleanup()
			return "", err
		}
	}

	final := filepath.Join(dir, resultsDir)
	if err := os.RemoveAll(final); err != nil {
		cleanup()
		return "", fmt.Errorf("replace results dir: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		cleanup()
		return "", fmt.Errorf("publish results: %w", err)
	}
	return final, nil
}

// ResultPath returns the committed artifact for format.
func (m *Manager) ResultPath(jobID, format string) (string, error) {
	dir, err := m.jobDir(jobID)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, resultsDir, resultFileName(format))
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return p, nil
}

// PurgeInput removes the staged upload and working files, keeping results.
// Safe to call repeatedly.
func (m *Manager) PurgeInput(jobID string) error {
	dir, err := m.jobDir(jobID)
	if err != nil {
		return err
	}
	for _, sub := range []string{inputDir, workDir} {
		if err := os.RemoveAll(filepath.Join(dir, sub)); err != nil {
			return fmt.Errorf("purge %s: %w", sub, err)
		}
	}
	return nil
}

// Purge removes every file of the job. Safe to call repeatedly.
func (m *Manager) Purge(jobID string) error {
	dir, err := m.jobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge job files: %w", err)
	}
	return nil
}

func resultFileName(format string) string {
	return resultBaseName + "." + strings.ToLower(format)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// sanitizeName keeps only the base name of an upload and strips anything
// that could escape the input directory.
func sanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	base = strings.TrimLeft(base, ".")
	if base == "" || base == string(filepath.Separator) {
		return "input"
	}
	return base
}
