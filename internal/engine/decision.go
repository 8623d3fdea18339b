package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/events"
)

const dateLayout = "2006-01-02"

// DecideInput is the ministry verdict. Dates accept YYYY-MM-DD or RFC3339.
type DecideInput struct {
	ApplicationID   string
	Actor           auth.Principal
	Decision        domain.Decision
	RejectionReason string
	// BlacklistFlag is stored as supplied; its polarity is a policy setting.
	BlacklistFlag bool
	ETDIssueDate  string
	ETDExpiryDate string
	Remarks       string
}

func parseDate(field, value string) (*string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339, value)
	}
	if err != nil {
		return nil, invalid(field, "must be YYYY-MM-DD or RFC3339")
	}
	out := t.Format(dateLayout)
	return &out, nil
}

func (e Engine) flagMeansFailed() bool {
	if e.Config == nil {
		return true
	}
	return e.Config.Policy.BlacklistFlagMeansFailed
}

func decisionTarget(d domain.Decision) (domain.Status, domain.Action, error) {
	switch domain.Decision(strings.ToUpper(strings.TrimSpace(string(d)))) {
	case domain.DecisionApprove:
		return domain.StatusApproved, domain.ActionApprove, nil
	case domain.DecisionReject:
		return domain.StatusRejected, domain.ActionReject, nil
	}
	return "", "", invalid("decision", "must be APPROVE or REJECT")
}

// Decide applies an approve or reject verdict and stamps the reviewer.
func (e Engine) Decide(ctx context.Context, in DecideInput) (_ domain.Application, err error) {
	defer e.track("decide", time.Now(), &err)
	target, action, err := decisionTarget(in.Decision)
	if err != nil {
		return domain.Application{}, err
	}
	var checkFailed bool
	app, err := e.apply(ctx, "decide", in.ApplicationID, in.Actor, func(_ *sql.Tx, app *domain.Application) (events.Entry, error) {
		if err := ensureTransition(app.Status, target, in.Actor.Role); err != nil {
			return events.Entry{}, err
		}
		if target == domain.StatusApproved && app.Status == domain.StatusDraft && app.FannedOut() {
			return events.Entry{}, InvalidTransitionError{From: app.Status, To: target, Role: in.Actor.Role}
		}
		if err := auth.Authorize(in.Actor.Role, app.Status, action); err != nil {
			return events.Entry{}, err
		}

		entry := events.Entry{Payload: events.EventPayload{}}
		switch target {
		case domain.StatusRejected:
			if err := requireText("rejection_reason", in.RejectionReason); err != nil {
				return events.Entry{}, err
			}
			reason := strings.TrimSpace(in.RejectionReason)
			app.RejectionReason = &reason
			entry.Type = events.TypeRejected
			entry.Payload["rejection_reason"] = reason
		case domain.StatusApproved:
			issue, err := parseDate("etd_issue_date", in.ETDIssueDate)
			if err != nil {
				return events.Entry{}, err
			}
			expiry, err := parseDate("etd_expiry_date", in.ETDExpiryDate)
			if err != nil {
				return events.Entry{}, err
			}
			if issue != nil && expiry != nil && *issue >= *expiry {
				return events.Entry{}, invalid("etd_expiry_date", "must be after etd_issue_date")
			}
			app.ETDIssueDate = issue
			app.ETDExpiryDate = expiry
			app.BlacklistCheckPassed = in.BlacklistFlag
			checkFailed = in.BlacklistFlag == e.flagMeansFailed()
			entry.Type = events.TypeApproved
			entry.Payload["blacklist_check_passed"] = in.BlacklistFlag
			entry.Payload["blacklist_check_failed"] = checkFailed
		}
		if remarks := strings.TrimSpace(in.Remarks); remarks != "" {
			app.Remarks = remarks
		}
		now := e.stamp()
		reviewer := in.Actor.ActorID
		app.ReviewedBy = &reviewer
		app.ReviewedAt = &now
		app.Status = target
		return entry, nil
	})
	if err != nil {
		return domain.Application{}, err
	}
	if checkFailed {
		e.log().Warn("approved with failed blacklist check",
			zap.String("application_id", app.ID),
			zap.String("actor_id", in.Actor.ActorID),
		)
	}
	return app, nil
}

// BlacklistInput is the ministry's terminal blacklist request.
type BlacklistInput struct {
	ApplicationID string
	Actor         auth.Principal
	Remarks       string
}

// Blacklist moves the application to BLACKLISTED, recording remarks as the
// reason. Reviewer fields stay untouched.
func (e Engine) Blacklist(ctx context.Context, in BlacklistInput) (_ domain.Application, err error) {
	defer e.track("blacklist", time.Now(), &err)
	return e.apply(ctx, "blacklist", in.ApplicationID, in.Actor, func(_ *sql.Tx, app *domain.Application) (events.Entry, error) {
		if err := ensureTransition(app.Status, domain.StatusBlacklisted, in.Actor.Role); err != nil {
			return events.Entry{}, err
		}
		if err := auth.Authorize(in.Actor.Role, app.Status, domain.ActionBlacklist); err != nil {
			return events.Entry{}, err
		}
		if err := requireText("remarks", in.Remarks); err != nil {
			return events.Entry{}, err
		}
		reason := strings.TrimSpace(in.Remarks)
		app.BlacklistReason = &reason
		app.Status = domain.StatusBlacklisted
		return events.Entry{Type: events.TypeBlacklisted, Payload: events.EventPayload{"reason": reason}}, nil
	})
}
