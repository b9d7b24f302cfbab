package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/formprep/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeNormalizeSheet = "sheet:normalize"

// NormalizeSheetPayload carries one ImageJob of a run. Geometry and Config
// are resolved once by the API so every worker applies the same chain.
type NormalizeSheetPayload struct {
	RunID       string                  `json:"run_id"`
	Index       int                     `json:"index"`
	Total       int                     `json:"total"`
	SourcePath  string                  `json:"source_path"`
	OutDir      string                  `json:"out_dir"`
	Geometry    domain.TemplateGeometry `json:"geometry"`
	Config      domain.PipelineConfig   `json:"config"`
	WebhookURL  string                  `json:"webhook_url,omitempty"`
	RequestedAt time.Time               `json:"requested_at"`
}

func NewNormalizeSheetTask(payload NormalizeSheetPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal normalize payload: %w", err)
	}
	return asynq.NewTask(TypeNormalizeSheet, body), nil
}

func ParseNormalizeSheetPayload(task *asynq.Task) (NormalizeSheetPayload, error) {
	var payload NormalizeSheetPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return NormalizeSheetPayload{}, fmt.Errorf("unmarshal normalize payload: %w", err)
	}
	if payload.RunID == "" || payload.SourcePath == "" {
		return NormalizeSheetPayload{}, fmt.Errorf("normalize payload requires run_id and source_path")
	}
	return payload, nil
}
