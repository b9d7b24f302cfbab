package domain

import (
	"time"
)

const (
	JobStatusPending   = "pending"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// ImageJob tracks one discovered input file through a run.
type ImageJob struct {
	SourcePath string        `json:"source_path"`
	OutputPath string        `json:"output_path"`
	Status     string        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Width      int           `json:"width,omitempty"`
	Height     int           `json:"height,omitempty"`
	Bytes      int           `json:"bytes,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

func (j ImageJob) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

func (j *ImageJob) Succeed(width, height, size int, took time.Duration) {
	j.Status = JobStatusSucceeded
	j.Reason = ""
	j.Width = width
	j.Height = height
	j.Bytes = size
	j.Duration = took
}

func (j *ImageJob) Fail(err error, took time.Duration) {
	j.Status = JobStatusFailed
	j.Reason = err.Error()
	j.Duration = took
}

// Run is the bookkeeping record of one batch.
type Run struct {
	ID           string           `json:"id"`
	TemplatePath string           `json:"template_path"`
	InDir        string           `json:"in_dir"`
	OutDir       string           `json:"out_dir"`
	Geometry     TemplateGeometry `json:"geometry"`
	Config       PipelineConfig   `json:"config"`
	Total        int              `json:"total"`
	CreatedAt    time.Time        `json:"created_at"`
}

type Summary struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Jobs      []ImageJob    `json:"jobs,omitempty"`
}

// Summarize counts job states. Total is the larger of total and len(jobs).
func Summarize(runID string, total int, jobs []ImageJob) Summary {
	s := Summary{RunID: runID, Jobs: jobs}
	for _, job := range jobs {
		switch job.Status {
		case JobStatusSucceeded:
			s.Succeeded++
		case JobStatusFailed:
			s.Failed++
		}
	}
	s.Total = max(total, len(jobs))
	s.Pending = s.Total - s.Succeeded - s.Failed
	return s
}

func (s Summary) Complete() bool {
	return s.Total > 0 && s.Pending == 0
}
