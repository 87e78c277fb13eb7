package pipeline

import (
	"errors"
	"fmt"

	"murmur/internal/model"
)

// Stage names a pipeline step.
type Stage string

const (
	StageConvert    Stage = "convert"
	StageLoadModel  Stage = "load_model"
	StageTranscribe Stage = "transcribe"
)

// StageError is a classified failure of one stage. Transient marks failures
// worth retrying; Exhausted marks resource exhaustion on the compute
// device, which is never retried.
type StageError struct {
	Kind      model.ErrorKind
	Stage     Stage
	Message   string
	Transient bool
	Exhausted bool
	Command   CommandResult
	Err       error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Command.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.Command.Command, e.Command.ExitCode)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// JobError converts e into the error stored on a failed job.
func (e *StageError) JobError() *model.Error {
	return model.NewError(e.Kind, e.Message, e)
}

// IsTransient reports whether err is a stage failure worth retrying.
func IsTransient(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Transient && !se.Exhausted
}
