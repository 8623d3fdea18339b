package engine

import "etdflow/internal/domain"

// transitions is the legal from -> to table. Fan-out, fan-in, decision and
// legacy routing all converge on it.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusDraft: {
		domain.StatusPendingVerification,
		domain.StatusSubmitted,
		domain.StatusAgencyReview,
		domain.StatusApproved,
		domain.StatusRejected,
		domain.StatusBlacklisted,
	},
	domain.StatusSubmitted: {
		domain.StatusPendingVerification,
		domain.StatusAgencyReview,
		domain.StatusMinistryReview,
		domain.StatusApproved,
		domain.StatusRejected,
		domain.StatusBlacklisted,
	},
	domain.StatusUnderReview: {
		domain.StatusPendingVerification,
		domain.StatusAgencyReview,
		domain.StatusApproved,
		domain.StatusRejected,
		domain.StatusBlacklisted,
	},
	domain.StatusAgencyReview: {
		domain.StatusSubmitted,
		domain.StatusMinistryReview,
		domain.StatusVerificationSubmitted,
		domain.StatusApproved,
		domain.StatusRejected,
		domain.StatusBlacklisted,
	},
	domain.StatusMinistryReview: {
		domain.StatusAgencyReview,
		domain.StatusApproved,
		domain.StatusRejected,
		domain.StatusBlacklisted,
	},
	domain.StatusPendingVerification: {
		domain.StatusPendingVerification,
		domain.StatusVerificationReceived,
	},
	domain.StatusVerificationSubmitted: {
		domain.StatusApproved,
		domain.StatusRejected,
		domain.StatusBlacklisted,
	},
	domain.StatusVerificationReceived: {
		domain.StatusApproved,
		domain.StatusRejected,
		domain.StatusBlacklisted,
	},
	domain.StatusApproved: {
		domain.StatusCompleted,
	},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ensureTransition(from, to domain.Status, role domain.Role) error {
	if CanTransition(from, to) {
		return nil
	}
	return InvalidTransitionError{From: from, To: to, Role: role}
}

// actionTargets is the status each moving action lands in. Edit, print and
// qc keep or pick their status by other rules and are not listed.
var actionTargets = map[domain.Action]domain.Status{
	domain.ActionSubmit:              domain.StatusSubmitted,
	domain.ActionSendForVerification: domain.StatusPendingVerification,
	domain.ActionSubmitVerification:  domain.StatusVerificationReceived,
	domain.ActionApprove:             domain.StatusApproved,
	domain.ActionReject:              domain.StatusRejected,
	domain.ActionBlacklist:           domain.StatusBlacklisted,
	domain.ActionSendToAgency:        domain.StatusAgencyReview,
	domain.ActionAgencyApprove:       domain.StatusMinistryReview,
	domain.ActionAgencyReject:        domain.StatusSubmitted,
}

// reachable reports whether act can leave app's current status.
func reachable(app domain.Application, act domain.Action) bool {
	to, ok := actionTargets[act]
	if !ok {
		return true
	}
	switch {
	case act == domain.ActionSendForVerification && app.Status == domain.StatusPendingVerification:
		return false
	case act == domain.ActionApprove && app.Status == domain.StatusDraft && app.FannedOut():
		return false
	}
	return CanTransition(app.Status, to)
}
