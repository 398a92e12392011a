package pipeline

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/medclare/medclare/internal/platform/websocket"
)

// Event types published on a report's topic during a run.
const (
	EventStarted        = "pipeline.started"
	EventStageCompleted = "pipeline.stage.completed"
	EventStageFailed    = "pipeline.stage.failed"
	EventCompleted      = "pipeline.completed"
	EventFailed         = "pipeline.failed"
)

// StageEvent is the payload of stage completion and failure events.
type StageEvent struct {
	Stage      string   `json:"stage"`
	Confidence *float64 `json:"confidence,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Skipped    bool     `json:"skipped,omitempty"`
	Error      string   `json:"error,omitempty"`
	Timeout    bool     `json:"timeout,omitempty"`
}

// publish is best effort; a slow or absent hub never fails a run.
func (o *Orchestrator) publish(ctx context.Context, reportID uuid.UUID, eventType string, data any) {
	if o.events == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		o.logger.Warn().Err(err).Str("event", eventType).Msg("encode pipeline event")
		return
	}
	ev := websocket.Event{
		Type:     eventType,
		Topic:    websocket.ReportTopic(reportID.String()),
		ReportID: reportID.String(),
		Data:     raw,
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Str("event", eventType).Msg("publish pipeline event")
	}
}
