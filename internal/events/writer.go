package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"etdflow/internal/db"
)

// Event types written by the workflow engine.
const (
	TypeCreated               = "application.created"
	TypeEdited                = "application.edited"
	TypeSubmitted             = "application.submitted"
	TypeSentForVerification   = "application.sent_for_verification"
	TypeVerificationSubmitted = "application.verification_submitted"
	TypeVerificationReceived  = "application.verification_received"
	TypeApproved              = "application.approved"
	TypeRejected              = "application.rejected"
	TypeBlacklisted           = "application.blacklisted"
	TypeSentToAgency          = "application.sent_to_agency"
	TypeAgencyApproved        = "application.agency_approved"
	TypeAgencyRejected        = "application.agency_rejected"
	TypePrinted               = "application.printed"
	TypeQCPassed              = "application.qc_passed"
	TypeQCFailed              = "application.qc_failed"
	TypeConfigUpdated         = "config.updated"
	TypeAPIKeyCreated         = "apikey.created"
	TypeAPIKeyDeleted         = "apikey.deleted"
)

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Entry is one audit record. From and To are empty for events that do not
// move the status.
type Entry struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	ActorRole  string
	From       string
	To         string
	Payload    EventPayload
}

// Append writes e inside tx so the audit row commits or rolls back with the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,actor_role,from_status,to_status,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`),
		ts, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, nullable(e.ActorRole), nullable(e.From), nullable(e.To), string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
