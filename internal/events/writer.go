package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pressline/internal/repo"
)

// Event types written by the core. The per-edition log doubles as automation history.
const (
	TaskCreated           = "task.created"
	TaskTransitioned      = "task.transitioned"
	TaskAssigned          = "task.assigned"
	EditionCreated        = "edition.created"
	EditionLaunch         = "edition.launch_requested"
	EditionLaunched       = "edition.launched"
	EditionFinalized      = "edition.finalized"
	EditionSignedOff      = "edition.signed_off"
	EditionArchived       = "edition.archived"
	AutomationTracked     = "automation.tracked"
	AutomationPaused      = "automation.paused"
	AutomationResumed     = "automation.resumed"
	AutomationStopped     = "automation.stopped"
	AutomationScheduled   = "automation.scheduled"
	AutomationRescheduled = "automation.rescheduled"
	AutomationTaskSpawned = "automation.task_created"
	ApprovalRequested     = "approval.requested"
	ApprovalRecorded      = "approval.recorded"
	ApprovalGranted       = "approval.granted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx, so the event commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, editionID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,edition_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		repo.FormatTime(now()), evtType, nullable(editionID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
