package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"etdflow/internal/blob"
	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/repo"
)

func (e Engine) Get(ctx context.Context, id string) (domain.Application, error) {
	return e.load(ctx, id)
}

func (e Engine) List(ctx context.Context, f repo.ApplicationFilters) ([]domain.Application, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, raw := range f.Statuses {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, ok := domain.ParseStatus(raw)
		if !ok {
			return nil, invalid("status", fmt.Sprintf("unknown status %q", raw))
		}
		statuses = append(statuses, string(status))
	}
	f.Statuses = statuses
	f.PendingAgency = strings.ToUpper(strings.TrimSpace(f.PendingAgency))
	f.AssignedAgency = strings.ToUpper(strings.TrimSpace(f.AssignedAgency))
	return e.Repo.ListApplications(ctx, f)
}

// Actions returns what p may do on the application right now.
func (e Engine) Actions(ctx context.Context, p auth.Principal, id string) ([]domain.Action, error) {
	app, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	actions := []domain.Action{}
	for _, act := range auth.ActionsFor(p, app, e.Router) {
		if reachable(app, act) {
			actions = append(actions, act)
		}
	}
	return actions, nil
}

func (e Engine) readBlob(ctx context.Context, ref string) ([]byte, error) {
	if e.Blobs == nil {
		return nil, errors.New("blob store not configured")
	}
	data, err := e.Blobs.Get(ctx, ref)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("blob %s: %w", ref, repo.ErrNotFound)
	}
	return data, err
}

// Document returns the verification document stored at fan-out.
func (e Engine) Document(ctx context.Context, id string) ([]byte, error) {
	app, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.VerificationDocumentRef == nil {
		return nil, fmt.Errorf("verification document for %s: %w", id, repo.ErrNotFound)
	}
	return e.readBlob(ctx, *app.VerificationDocumentRef)
}

func (e Engine) Attachments(ctx context.Context, id string) ([]domain.Attachment, error) {
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListAttachments(ctx, id)
}

// Attachment returns the file an agency submitted with its verification.
func (e Engine) Attachment(ctx context.Context, id string, agency domain.Agency) ([]byte, error) {
	app, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	agency = domain.Agency(strings.ToUpper(strings.TrimSpace(string(agency))))
	for _, rm := range app.AgencyRemarks {
		if rm.Agency == agency && rm.AttachmentRef != nil {
			return e.readBlob(ctx, *rm.AttachmentRef)
		}
	}
	return nil, fmt.Errorf("attachment %s for %s: %w", agency, id, repo.ErrNotFound)
}

func (e Engine) Stats(ctx context.Context) (domain.Stats, error) {
	return e.Repo.ApplicationStats(ctx, e.now())
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	events, err := e.Repo.LatestEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}
