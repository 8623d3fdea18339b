package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/events"
)

// SendToAgencyInput routes an application to a single agency on the legacy
// path. With no explicit agency the region routing table picks one.
type SendToAgencyInput struct {
	ApplicationID string
	Actor         auth.Principal
	Agency        domain.Agency
	// Region overrides the application's region for routing.
	Region  string
	Remarks string
}

func (e Engine) SendToAgency(ctx context.Context, in SendToAgencyInput) (_ domain.Application, err error) {
	defer e.track("send_to_agency", time.Now(), &err)
	return e.apply(ctx, "send_to_agency", in.ApplicationID, in.Actor, func(_ *sql.Tx, app *domain.Application) (events.Entry, error) {
		if err := ensureTransition(app.Status, domain.StatusAgencyReview, in.Actor.Role); err != nil {
			return events.Entry{}, err
		}
		if err := auth.Authorize(in.Actor.Role, app.Status, domain.ActionSendToAgency); err != nil {
			return events.Entry{}, err
		}
		agency := domain.Agency(strings.ToUpper(strings.TrimSpace(string(in.Agency))))
		routed := false
		if agency == "" {
			region := in.Region
			if strings.TrimSpace(region) == "" {
				region = app.Region
			}
			agency = e.Router.HomeAgency(region)
			routed = true
		} else if !e.knownAgency(agency) {
			return events.Entry{}, invalid("agency", fmt.Sprintf("unknown agency %q", in.Agency))
		}
		if remarks := strings.TrimSpace(in.Remarks); remarks != "" {
			app.Remarks = remarks
		}
		app.AssignedAgency = &agency
		app.Status = domain.StatusAgencyReview
		return events.Entry{
			Type:    events.TypeSentToAgency,
			Payload: events.EventPayload{"agency": agency, "routed_by_region": routed},
		}, nil
	})
}

// AgencyDecisionInput is a legacy single-agency approve or reject.
type AgencyDecisionInput struct {
	ApplicationID string
	Actor         auth.Principal
	Agency        domain.Agency
	Remarks       string
}

// legacyAgency runs the shared checks of the legacy agency actions and
// records the agency's remark when one is given.
func (e Engine) legacyAgency(ctx context.Context, tx *sql.Tx, in AgencyDecisionInput, app *domain.Application, action domain.Action, to domain.Status) (domain.Agency, error) {
	if err := ensureTransition(app.Status, to, in.Actor.Role); err != nil {
		return "", err
	}
	requested := domain.Agency(strings.ToUpper(strings.TrimSpace(string(in.Agency))))
	agency, err := auth.AuthorizeAgency(in.Actor, *app, action, requested, e.Router)
	if err != nil {
		return "", err
	}
	if err := auth.Authorize(in.Actor.Role, app.Status, action); err != nil {
		return "", err
	}
	if action == domain.ActionAgencyReject {
		if err := requireText("remarks", in.Remarks); err != nil {
			return "", err
		}
	}
	if remarks := strings.TrimSpace(in.Remarks); remarks != "" {
		rm := domain.AgencyRemark{Agency: agency, Remarks: remarks, SubmittedAt: e.stamp()}
		if err := e.Repo.UpsertAgencyRemark(ctx, tx, app.ID, rm); err != nil {
			return "", err
		}
		app.AgencyRemarks = withRemark(app.AgencyRemarks, rm)
	}
	if app.AssignedAgency == nil {
		app.AssignedAgency = &agency
	}
	app.Status = to
	return agency, nil
}

// AgencyApprove clears the application for ministry review.
func (e Engine) AgencyApprove(ctx context.Context, in AgencyDecisionInput) (_ domain.Application, err error) {
	defer e.track("agency_approve", time.Now(), &err)
	return e.apply(ctx, "agency_approve", in.ApplicationID, in.Actor, func(tx *sql.Tx, app *domain.Application) (events.Entry, error) {
		agency, err := e.legacyAgency(ctx, tx, in, app, domain.ActionAgencyApprove, domain.StatusMinistryReview)
		if err != nil {
			return events.Entry{}, err
		}
		return events.Entry{Type: events.TypeAgencyApproved, Payload: events.EventPayload{"agency": agency}}, nil
	})
}

// AgencyReject returns the application to the ministry with the agency's
// remarks. Remarks are required.
func (e Engine) AgencyReject(ctx context.Context, in AgencyDecisionInput) (_ domain.Application, err error) {
	defer e.track("agency_reject", time.Now(), &err)
	return e.apply(ctx, "agency_reject", in.ApplicationID, in.Actor, func(tx *sql.Tx, app *domain.Application) (events.Entry, error) {
		agency, err := e.legacyAgency(ctx, tx, in, app, domain.ActionAgencyReject, domain.StatusSubmitted)
		if err != nil {
			return events.Entry{}, err
		}
		return events.Entry{Type: events.TypeAgencyRejected, Payload: events.EventPayload{"agency": agency, "remarks": strings.TrimSpace(in.Remarks)}}, nil
	})
}
