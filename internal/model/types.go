package model

import "time"

// Status represents the lifecycle state of a transcription job. These
// values are part of the wire contract and are stored verbatim by the
// persisters.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Input describes the uploaded media as declared by the client.
type Input struct {
	Name           string `json:"name"`
	DeclaredFormat string `json:"declaredFormat"`
	Bytes          int64  `json:"bytes"`
}

// Options are the transcription options requested for a job.
type Options struct {
	Model         string   `json:"model"`
	Language      string   `json:"language,omitempty"`
	OutputFormats []string `json:"outputFormats"`
}

// Segment is one timestamped span of transcript text, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the outcome of a completed job.
type Result struct {
	Text              string    `json:"text"`
	Segments          []Segment `json:"segments"`
	Language          string    `json:"language"`
	DurationSeconds   float64   `json:"durationSeconds"`
	ProcessingSeconds float64   `json:"processingSeconds"`
}

// Job is one submitted transcription request and its tracked lifecycle.
//
// Result is set only when Status is completed and Error only when Status
// is failed. CancelRequested is internal bookkeeping for cooperative
// cancellation and never leaves the process over the API.
type Job struct {
	ID              string     `json:"id"`
	Status          Status     `json:"status"`
	Progress        float64    `json:"progress"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Input           Input      `json:"input"`
	Options         Options    `json:"options"`
	Result          *Result    `json:"result,omitempty"`
	Error           *Error     `json:"error,omitempty"`
	Attempts        int        `json:"attempts"`
	CancelRequested bool       `json:"-"`
}

// Clone returns a deep copy so callers never share mutable state with the
// job store.
func (j Job) Clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Options.OutputFormats != nil {
		out.Options.OutputFormats = append([]string(nil), j.Options.OutputFormats...)
	}
	if j.Result != nil {
		r := *j.Result
		if j.Result.Segments != nil {
			r.Segments = append([]Segment(nil), j.Result.Segments...)
		}
		out.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return out
}

// ExpiresAt returns the retention deadline of a terminal job, or nil while
// the job is still active.
func (j Job) ExpiresAt(retention time.Duration) *time.Time {
	if j.CompletedAt == nil || retention <= 0 {
		return nil
	}
	t := j.CompletedAt.Add(retention)
	return &t
}
