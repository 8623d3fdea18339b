package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/events"
)

// PrintInput records that the ETD was printed on a numbered sheet.
type PrintInput struct {
	ApplicationID string
	Actor         auth.Principal
	SheetNo       string
}

// MarkPrinted sets the printed flag. The status is not changed.
func (e Engine) MarkPrinted(ctx context.Context, in PrintInput) (_ domain.Application, err error) {
	defer e.track("print", time.Now(), &err)
	return e.apply(ctx, "print", in.ApplicationID, in.Actor, func(_ *sql.Tx, app *domain.Application) (events.Entry, error) {
		if err := auth.Authorize(in.Actor.Role, app.Status, domain.ActionPrint); err != nil {
			return events.Entry{}, err
		}
		if err := requireText("sheet_no", in.SheetNo); err != nil {
			return events.Entry{}, err
		}
		now := e.stamp()
		sheet := strings.TrimSpace(in.SheetNo)
		reprint := app.IsPrinted
		app.IsPrinted = true
		app.PrintedAt = &now
		app.SheetNo = &sheet
		app.QCFailureReason = nil
		return events.Entry{Type: events.TypePrinted, Payload: events.EventPayload{"sheet_no": sheet, "reprint": reprint}}, nil
	})
}

// QCInput is a quality-control verdict on a printed ETD.
type QCInput struct {
	ApplicationID string
	Actor         auth.Principal
	// Reason is required when the check fails.
	Reason string
}

func requirePrinted(app domain.Application) error {
	if !app.IsPrinted {
		return invalid("is_printed", "application has not been printed")
	}
	return nil
}

// QCPass completes a printed, approved application.
func (e Engine) QCPass(ctx context.Context, in QCInput) (_ domain.Application, err error) {
	defer e.track("qc_pass", time.Now(), &err)
	return e.apply(ctx, "qc_pass", in.ApplicationID, in.Actor, func(_ *sql.Tx, app *domain.Application) (events.Entry, error) {
		if err := ensureTransition(app.Status, domain.StatusCompleted, in.Actor.Role); err != nil {
			return events.Entry{}, err
		}
		if err := auth.Authorize(in.Actor.Role, app.Status, domain.ActionQC); err != nil {
			return events.Entry{}, err
		}
		if err := requirePrinted(*app); err != nil {
			return events.Entry{}, err
		}
		app.Status = domain.StatusCompleted
		return events.Entry{Type: events.TypeQCPassed, Payload: events.EventPayload{"sheet_no": derefString(app.SheetNo)}}, nil
	})
}

// QCFail clears the printed flag so the ETD can be printed again.
func (e Engine) QCFail(ctx context.Context, in QCInput) (_ domain.Application, err error) {
	defer e.track("qc_fail", time.Now(), &err)
	return e.apply(ctx, "qc_fail", in.ApplicationID, in.Actor, func(_ *sql.Tx, app *domain.Application) (events.Entry, error) {
		if err := auth.Authorize(in.Actor.Role, app.Status, domain.ActionQC); err != nil {
			return events.Entry{}, err
		}
		if err := requireText("reason", in.Reason); err != nil {
			return events.Entry{}, err
		}
		if err := requirePrinted(*app); err != nil {
			return events.Entry{}, err
		}
		reason := strings.TrimSpace(in.Reason)
		sheet := derefString(app.SheetNo)
		app.IsPrinted = false
		app.PrintedAt = nil
		app.QCFailureReason = &reason
		return events.Entry{Type: events.TypeQCFailed, Payload: events.EventPayload{"sheet_no": sheet, "reason": reason}}, nil
	})
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
