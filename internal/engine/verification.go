package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"etdflow/internal/blob"
	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/events"
)

// SendForVerificationInput is the ministry request that fans an application
// out to a set of agencies.
type SendForVerificationInput struct {
	ApplicationID string
	Actor         auth.Principal
	Agencies      []domain.Agency
	Document      []byte
	ContentType   string
	Remarks       string
}

func (e Engine) requireDocument() bool {
	if e.Config == nil {
		return true
	}
	return e.Config.Policy.RequireVerificationDocument
}

// targetAgencies normalizes the requested list: upper-cased, de-duplicated
// in request order, each a known agency.
func (e Engine) targetAgencies(requested []domain.Agency) ([]domain.Agency, error) {
	seen := map[domain.Agency]bool{}
	out := make([]domain.Agency, 0, len(requested))
	for _, raw := range requested {
		agency := domain.Agency(strings.ToUpper(strings.TrimSpace(string(raw))))
		if agency == "" {
			continue
		}
		if !e.knownAgency(agency) {
			return nil, invalid("agencies", fmt.Sprintf("unknown agency %q", raw))
		}
		if seen[agency] {
			continue
		}
		seen[agency] = true
		out = append(out, agency)
	}
	if len(out) == 0 {
		return nil, invalid("agencies", "at least one agency is required")
	}
	return out, nil
}

func checkFanOut(p auth.Principal, app domain.Application) error {
	if err := ensureTransition(app.Status, domain.StatusPendingVerification, p.Role); err != nil {
		return err
	}
	if app.Status == domain.StatusPendingVerification {
		// Only fan-in may stay in the pending state.
		return InvalidTransitionError{From: app.Status, To: domain.StatusPendingVerification, Role: p.Role}
	}
	return auth.Authorize(p.Role, app.Status, domain.ActionSendForVerification)
}

// SendForVerification arms a fresh pending set and moves the application to
// PENDING_VERIFICATION. The verification document is stored before the
// transaction and discarded if the transaction does not commit.
func (e Engine) SendForVerification(ctx context.Context, in SendForVerificationInput) (_ domain.Application, err error) {
	defer e.track("send_for_verification", time.Now(), &err)
	current, err := e.load(ctx, in.ApplicationID)
	if err != nil {
		return domain.Application{}, err
	}
	if err := checkFanOut(in.Actor, current); err != nil {
		return domain.Application{}, err
	}
	agencies, err := e.targetAgencies(in.Agencies)
	if err != nil {
		return domain.Application{}, err
	}
	if len(in.Document) == 0 && e.requireDocument() {
		return domain.Application{}, invalid("verification_document", "is required")
	}

	key, err := e.putBlob(ctx, blob.DocumentKey(in.ApplicationID), in.Document, in.ContentType)
	if err != nil {
		return domain.Application{}, err
	}
	app, err := e.apply(ctx, "send_for_verification", in.ApplicationID, in.Actor, func(tx *sql.Tx, app *domain.Application) (events.Entry, error) {
		if err := checkFanOut(in.Actor, *app); err != nil {
			return events.Entry{}, err
		}
		if err := e.Repo.ReplacePendingAgencies(ctx, tx, app.ID, agencies); err != nil {
			return events.Entry{}, err
		}
		now := e.stamp()
		app.PendingVerificationAgencies = append([]domain.Agency(nil), agencies...)
		app.VerificationCompletedAgencies = []domain.Agency{}
		if key != "" {
			app.VerificationDocumentRef = &key
		}
		if remarks := strings.TrimSpace(in.Remarks); remarks != "" {
			app.Remarks = remarks
		}
		app.VerificationSentAt = &now
		app.VerificationCompletedAt = nil
		app.Status = domain.StatusPendingVerification
		return events.Entry{
			Type: events.TypeSentForVerification,
			Payload: events.EventPayload{
				"agencies":     agencies,
				"document_ref": key,
			},
		}, nil
	})
	if err != nil {
		e.discardBlob(ctx, key)
		return domain.Application{}, err
	}
	return app, nil
}

// SubmitVerificationInput is one agency response.
type SubmitVerificationInput struct {
	ApplicationID string
	Actor         auth.Principal
	// Agency is the slot the caller answers for. Agency principals may leave
	// it empty to use their resolved agency; ADMIN must set it.
	Agency      domain.Agency
	Remarks     string
	Attachment  []byte
	ContentType string
}

// checkFanIn resolves the responding agency and validates the submission
// against app. A completed agency yields ErrAlreadySubmitted before the
// status check so retries are reported as duplicates.
func (e Engine) checkFanIn(in SubmitVerificationInput, app domain.Application) (domain.Agency, error) {
	requested := domain.Agency(strings.ToUpper(strings.TrimSpace(string(in.Agency))))
	agency, err := auth.AuthorizeAgency(in.Actor, app, domain.ActionSubmitVerification, requested, e.Router)
	if err != nil {
		return "", err
	}
	if app.HasCompleted(agency) {
		return "", fmt.Errorf("%w: agency %s on application %s", ErrAlreadySubmitted, agency, app.ID)
	}
	if err := auth.Authorize(in.Actor.Role, app.Status, domain.ActionSubmitVerification); err != nil {
		return "", err
	}
	if err := requireText("remarks", in.Remarks); err != nil {
		return "", err
	}
	return agency, nil
}

// SubmitVerification records one agency response and advances the
// application to VERIFICATION_RECEIVED when it drains the pending set.
func (e Engine) SubmitVerification(ctx context.Context, in SubmitVerificationInput) (_ domain.Application, err error) {
	defer e.track("submit_verification", time.Now(), &err)
	current, err := e.load(ctx, in.ApplicationID)
	if err != nil {
		return domain.Application{}, err
	}
	agency, err := e.checkFanIn(in, current)
	if err != nil {
		return domain.Application{}, err
	}

	key, err := e.putBlob(ctx, blob.AttachmentKey(in.ApplicationID, agency), in.Attachment, in.ContentType)
	if err != nil {
		return domain.Application{}, err
	}
	var remaining int
	app, err := e.apply(ctx, "submit_verification", in.ApplicationID, in.Actor, func(tx *sql.Tx, app *domain.Application) (events.Entry, error) {
		if _, err := e.checkFanIn(SubmitVerificationInput{Actor: in.Actor, Agency: agency, Remarks: in.Remarks}, *app); err != nil {
			return events.Entry{}, err
		}
		moved, err := e.Repo.CompletePendingAgency(ctx, tx, app.ID, agency)
		if err != nil {
			return events.Entry{}, err
		}
		if !moved {
			return events.Entry{}, fmt.Errorf("%w: agency %s on application %s", ErrAlreadySubmitted, agency, app.ID)
		}
		now := e.stamp()
		remark := domain.AgencyRemark{Agency: agency, Remarks: strings.TrimSpace(in.Remarks), SubmittedAt: now}
		if key != "" {
			remark.AttachmentRef = &key
		}
		if err := e.Repo.UpsertAgencyRemark(ctx, tx, app.ID, remark); err != nil {
			return events.Entry{}, err
		}
		remaining, err = e.Repo.CountPendingAgencies(ctx, tx, app.ID)
		if err != nil {
			return events.Entry{}, err
		}

		app.PendingVerificationAgencies = without(app.PendingVerificationAgencies, agency)
		app.VerificationCompletedAgencies = append(app.VerificationCompletedAgencies, agency)
		app.AgencyRemarks = withRemark(app.AgencyRemarks, remark)

		entry := events.Entry{
			Type:    events.TypeVerificationSubmitted,
			Payload: events.EventPayload{"agency": agency, "remaining": remaining, "attachment_ref": key},
		}
		if remaining == 0 {
			if err := ensureTransition(app.Status, domain.StatusVerificationReceived, in.Actor.Role); err != nil {
				return events.Entry{}, err
			}
			app.Status = domain.StatusVerificationReceived
			app.VerificationCompletedAt = &now
			entry.Type = events.TypeVerificationReceived
		}
		return entry, nil
	})
	if err != nil {
		e.discardBlob(ctx, key)
		return domain.Application{}, err
	}
	e.log().Info("verification recorded",
		zap.String("application_id", app.ID),
		zap.String("agency", string(agency)),
		zap.Int("remaining", remaining),
	)
	return app, nil
}

func without(agencies []domain.Agency, agency domain.Agency) []domain.Agency {
	out := make([]domain.Agency, 0, len(agencies))
	for _, a := range agencies {
		if a != agency {
			out = append(out, a)
		}
	}
	return out
}

func withRemark(remarks []domain.AgencyRemark, rm domain.AgencyRemark) []domain.AgencyRemark {
	for i, existing := range remarks {
		if existing.Agency == rm.Agency {
			out := append([]domain.AgencyRemark(nil), remarks...)
			out[i] = rm
			return out
		}
	}
	return append(remarks, rm)
}
