package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/events"
)

// CreateInput carries the mission form for a new application.
type CreateInput struct {
	Actor   auth.Principal
	Citizen domain.Citizen
	// Region defaults to the caller's region.
	Region  string
	Remarks string
}

func validateCitizen(c domain.Citizen) error {
	if err := requireText("citizen.citizen_id", c.CitizenID); err != nil {
		return err
	}
	if err := requireText("citizen.first_name", c.FirstName); err != nil {
		return err
	}
	return requireText("citizen.last_name", c.LastName)
}

// CreateApplication stores a new DRAFT owned by the caller.
func (e Engine) CreateApplication(ctx context.Context, in CreateInput) (app domain.Application, err error) {
	defer e.track("create", time.Now(), &err)

	if err := auth.Authorize(in.Actor.Role, domain.StatusDraft, domain.ActionCreate); err != nil {
		return domain.Application{}, err
	}
	if err := validateCitizen(in.Citizen); err != nil {
		return domain.Application{}, err
	}
	region := strings.TrimSpace(in.Region)
	if region == "" {
		region = in.Actor.Region
	}
	now := e.stamp()
	app = domain.Application{
		ID:        uuid.NewString(),
		Status:    domain.StatusDraft,
		Citizen:   in.Citizen,
		CreatedBy: in.Actor.ActorID,
		Region:    region,
		Remarks:   strings.TrimSpace(in.Remarks),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,

		PendingVerificationAgencies:   []domain.Agency{},
		VerificationCompletedAgencies: []domain.Agency{},
		AgencyRemarks:                 []domain.AgencyRemark{},
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApplication(ctx, tx, app); err != nil {
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.TypeCreated,
		EntityKind: entityApplication,
		EntityID:   app.ID,
		ActorID:    in.Actor.ActorID,
		ActorRole:  string(in.Actor.Role),
		To:         string(app.Status),
		Payload:    events.EventPayload{"region": app.Region, "citizen_id": app.Citizen.CitizenID},
	}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	e.log().Info("application created",
		zap.String("application_id", app.ID),
		zap.String("actor_id", in.Actor.ActorID),
		zap.String("region", app.Region),
	)
	return app, nil
}

// EditInput replaces the DRAFT form. Nil fields are left unchanged.
type EditInput struct {
	ApplicationID string
	Actor         auth.Principal
	Citizen       *domain.Citizen
	Region        *string
	Remarks       *string
}

// checkOwner restricts mission operators to their own drafts.
func checkOwner(p auth.Principal, app domain.Application, action domain.Action) error {
	if p.Role == domain.RoleMissionOperator && app.CreatedBy != p.ActorID {
		return auth.ForbiddenError{Role: p.Role, Status: app.Status, Action: action, Reason: "application belongs to another operator"}
	}
	return nil
}

func (e Engine) EditApplication(ctx context.Context, in EditInput) (app domain.Application, err error) {
	defer e.track("edit", time.Now(), &err)
	return e.apply(ctx, "edit", in.ApplicationID, in.Actor, func(_ *sql.Tx, app *domain.Application) (events.Entry, error) {
		if err := auth.Authorize(in.Actor.Role, app.Status, domain.ActionEdit); err != nil {
			return events.Entry{}, err
		}
		if err := checkOwner(in.Actor, *app, domain.ActionEdit); err != nil {
			return events.Entry{}, err
		}
		changed := []string{}
		if in.Citizen != nil {
			if err := validateCitizen(*in.Citizen); err != nil {
				return events.Entry{}, err
			}
			app.Citizen = *in.Citizen
			changed = append(changed, "citizen")
		}
		if in.Region != nil {
			app.Region = strings.TrimSpace(*in.Region)
			changed = append(changed, "region")
		}
		if in.Remarks != nil {
			app.Remarks = strings.TrimSpace(*in.Remarks)
			changed = append(changed, "remarks")
		}
		if len(changed) == 0 {
			return events.Entry{}, invalid("body", "nothing to update")
		}
		return events.Entry{Type: events.TypeEdited, Payload: events.EventPayload{"fields": changed}}, nil
	})
}

// SubmitInput hands a DRAFT to the ministry on the legacy path.
type SubmitInput struct {
	ApplicationID string
	Actor         auth.Principal
}

func (e Engine) Submit(ctx context.Context, in SubmitInput) (app domain.Application, err error) {
	defer e.track("submit", time.Now(), &err)
	return e.apply(ctx, "submit", in.ApplicationID, in.Actor, func(_ *sql.Tx, app *domain.Application) (events.Entry, error) {
		if err := ensureTransition(app.Status, domain.StatusSubmitted, in.Actor.Role); err != nil {
			return events.Entry{}, err
		}
		if err := auth.Authorize(in.Actor.Role, app.Status, domain.ActionSubmit); err != nil {
			return events.Entry{}, err
		}
		if err := checkOwner(in.Actor, *app, domain.ActionSubmit); err != nil {
			return events.Entry{}, err
		}
		app.Status = domain.StatusSubmitted
		return events.Entry{Type: events.TypeSubmitted}, nil
	})
}
