// Package auth holds the role-action table and the region routing rule.
// Nothing here performs I/O; callers feed it the identity and the current
// application state.
package auth

import (
	"fmt"
	"strings"

	"etdflow/internal/config"
	"etdflow/internal/domain"
)

// Principal is the identity attached to a request.
type Principal struct {
	ActorID string
	Role    domain.Role
	Region  string
	// Agency is the explicit agency claim, empty when the identity carries none.
	Agency domain.Agency
}

// ForbiddenError reports an action the caller may not perform.
type ForbiddenError struct {
	Role   domain.Role
	Status domain.Status
	Action domain.Action
	Agency domain.Agency
	Reason string
}

func (e ForbiddenError) Error() string {
	msg := fmt.Sprintf("role %s may not %s in status %s", e.Role, e.Action, e.Status)
	if e.Agency != "" {
		msg += fmt.Sprintf(" as agency %s", e.Agency)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

var (
	missionDraft   = []domain.Action{domain.ActionCreate, domain.ActionEdit, domain.ActionSubmit}
	missionPrint   = []domain.Action{domain.ActionPrint, domain.ActionQC}
	agencyLegacy   = []domain.Action{domain.ActionAgencyApprove, domain.ActionAgencyReject}
	agencyFanIn    = []domain.Action{domain.ActionSubmitVerification}
	ministryReview = []domain.Action{
		domain.ActionSendForVerification,
		domain.ActionApprove,
		domain.ActionReject,
		domain.ActionBlacklist,
		domain.ActionSendToAgency,
	}
)

// table maps role -> status -> permitted actions. ADMIN is derived from the
// other roles in init.
var table = map[domain.Role]map[domain.Status][]domain.Action{
	domain.RoleMissionOperator: {
		domain.StatusDraft:     missionDraft,
		domain.StatusApproved:  missionPrint,
		domain.StatusCompleted: {domain.ActionPrint},
	},
	domain.RoleAgency: {
		domain.StatusSubmitted:           agencyLegacy,
		domain.StatusAgencyReview:        agencyLegacy,
		domain.StatusPendingVerification: agencyFanIn,
	},
	domain.RoleMinistry: {
		domain.StatusDraft:                 ministryReview,
		domain.StatusSubmitted:             ministryReview,
		domain.StatusUnderReview:           ministryReview,
		domain.StatusMinistryReview:        ministryReview,
		domain.StatusAgencyReview:          ministryReview,
		domain.StatusVerificationSubmitted: ministryReview,
		domain.StatusVerificationReceived:  ministryReview,
	},
}

func init() {
	admin := map[domain.Status][]domain.Action{}
	for _, role := range []domain.Role{domain.RoleMissionOperator, domain.RoleAgency, domain.RoleMinistry} {
		for status, actions := range table[role] {
			admin[status] = union(admin[status], actions)
		}
	}
	table[domain.RoleAdmin] = admin
}

func union(a, b []domain.Action) []domain.Action {
	out := append([]domain.Action(nil), a...)
	for _, act := range b {
		if !contains(out, act) {
			out = append(out, act)
		}
	}
	return out
}

func contains(actions []domain.Action, act domain.Action) bool {
	for _, a := range actions {
		if a == act {
			return true
		}
	}
	return false
}

// CanAct returns the actions role may request on an application in status.
// The result is a fresh slice; unknown roles and statuses yield none.
func CanAct(role domain.Role, status domain.Status) []domain.Action {
	actions := table[role][status]
	out := make([]domain.Action, len(actions))
	copy(out, actions)
	return out
}

// Authorize returns a ForbiddenError unless action is in CanAct(role, status).
func Authorize(role domain.Role, status domain.Status, action domain.Action) error {
	if contains(table[role][status], action) {
		return nil
	}
	return ForbiddenError{Role: role, Status: status, Action: action}
}

// ActionsFor narrows CanAct with the data-aware agency checks, yielding what
// p may actually do on app.
func ActionsFor(p Principal, app domain.Application, router Router) []domain.Action {
	var out []domain.Action
	for _, act := range CanAct(p.Role, app.Status) {
		switch act {
		case domain.ActionSubmitVerification, domain.ActionAgencyApprove, domain.ActionAgencyReject:
			if p.Role == domain.RoleAdmin {
				out = append(out, act)
				continue
			}
			agency, err := AuthorizeAgency(p, app, act, "", router)
			if err != nil {
				continue
			}
			if act == domain.ActionSubmitVerification && !app.IsPending(agency) {
				continue
			}
		}
		out = append(out, act)
	}
	return out
}

// AuthorizeAgency resolves which agency slot p acts for and checks that the
// slot is owed by app. requested is the agency named in the request body; an
// AGENCY principal may only name its own agency, an ADMIN must name one.
func AuthorizeAgency(p Principal, app domain.Application, action domain.Action, requested domain.Agency, router Router) (domain.Agency, error) {
	deny := func(agency domain.Agency, reason string) (domain.Agency, error) {
		return "", ForbiddenError{Role: p.Role, Status: app.Status, Action: action, Agency: agency, Reason: reason}
	}
	var agency domain.Agency
	switch p.Role {
	case domain.RoleAgency:
		agency = router.ResolveAgency(p)
		if requested != "" && requested != agency {
			return deny(requested, fmt.Sprintf("caller acts for %s", agency))
		}
	case domain.RoleAdmin:
		agency = requested
		if agency == "" {
			return deny("", "agency required")
		}
	default:
		return deny(requested, "agency role required")
	}
	switch action {
	case domain.ActionSubmitVerification:
		if app.HasCompleted(agency) {
			// Duplicate submissions are reported by the aggregator.
			return agency, nil
		}
		if !app.IsPending(agency) {
			return deny(agency, "agency is not pending for this application")
		}
	case domain.ActionAgencyApprove, domain.ActionAgencyReject:
		if app.AssignedAgency != nil {
			if *app.AssignedAgency != agency {
				return deny(agency, fmt.Sprintf("application is assigned to %s", *app.AssignedAgency))
			}
			break
		}
		if home := router.HomeAgency(app.Region); home != agency {
			return deny(agency, fmt.Sprintf("region %q is handled by %s", app.Region, home))
		}
	}
	return agency, nil
}

// Router resolves home agencies from regions.
type Router struct {
	regions  map[string]domain.Agency
	fallback domain.Agency
}

var defaultRegions = map[string]domain.Agency{
	"PUNJAB":      domain.AgencySpecialBranchPunjab,
	"SINDH":       domain.AgencySpecialBranchSindh,
	"KPK":         domain.AgencySpecialBranchKPK,
	"BALOCHISTAN": domain.AgencySpecialBranchBalochistan,
	"FEDERAL":     domain.AgencySpecialBranchFederal,
}

// DefaultRouter uses the built-in region table.
func DefaultRouter() Router {
	return Router{regions: defaultRegions, fallback: domain.DefaultAgency}
}

// NewRouter builds a router from the configured routing table, falling back
// to the built-in table when cfg is nil or carries no regions.
func NewRouter(cfg *config.Config) Router {
	if cfg == nil || len(cfg.Agencies.Routing.Regions) == 0 {
		r := DefaultRouter()
		if cfg != nil && cfg.Agencies.Routing.Default != "" {
			r.fallback = domain.Agency(cfg.Agencies.Routing.Default)
		}
		return r
	}
	regions := map[string]domain.Agency{}
	for region, agency := range cfg.RegionTable() {
		regions[region] = domain.Agency(agency)
	}
	fallback := domain.Agency(cfg.Agencies.Routing.Default)
	if fallback == "" {
		fallback = domain.DefaultAgency
	}
	return Router{regions: regions, fallback: fallback}
}

// HomeAgency maps region to its agency; unknown or empty regions map to the
// fallback agency. Matching ignores case and surrounding space.
func (r Router) HomeAgency(region string) domain.Agency {
	if agency, ok := r.regions[strings.ToUpper(strings.TrimSpace(region))]; ok {
		return agency
	}
	if r.fallback == "" {
		return domain.DefaultAgency
	}
	return r.fallback
}

// ResolveAgency prefers the explicit agency claim over the region fallback.
func (r Router) ResolveAgency(p Principal) domain.Agency {
	if p.Agency != "" {
		return p.Agency
	}
	return r.HomeAgency(p.Region)
}

// HomeAgency resolves region through the built-in table.
func HomeAgency(region string) domain.Agency {
	return DefaultRouter().HomeAgency(region)
}
