package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etdflow/internal/config"
	"etdflow/internal/domain"
)

func TestCanActIsPure(t *testing.T) {
	for _, role := range domain.AllRoles {
		for _, status := range domain.AllStatuses {
			first := CanAct(role, status)
			if len(first) > 0 {
				first[0] = "tampered"
			}
			second := CanAct(role, status)
			third := CanAct(role, status)
			assert.Equal(t, second, third, "%s/%s", role, status)
			assert.NotContains(t, second, domain.Action("tampered"))
		}
	}
}

func TestCanActTable(t *testing.T) {
	assert.ElementsMatch(t, []domain.Action{domain.ActionCreate, domain.ActionEdit, domain.ActionSubmit}, CanAct(domain.RoleMissionOperator, domain.StatusDraft))
	assert.Empty(t, CanAct(domain.RoleMissionOperator, domain.StatusSubmitted))
	assert.Contains(t, CanAct(domain.RoleMissionOperator, domain.StatusApproved), domain.ActionPrint)

	assert.Equal(t, []domain.Action{domain.ActionSubmitVerification}, CanAct(domain.RoleAgency, domain.StatusPendingVerification))
	assert.Contains(t, CanAct(domain.RoleAgency, domain.StatusAgencyReview), domain.ActionAgencyApprove)
	assert.Empty(t, CanAct(domain.RoleAgency, domain.StatusDraft))

	assert.Contains(t, CanAct(domain.RoleMinistry, domain.StatusDraft), domain.ActionSendForVerification)
	assert.Contains(t, CanAct(domain.RoleMinistry, domain.StatusVerificationReceived), domain.ActionApprove)
	assert.Empty(t, CanAct(domain.RoleMinistry, domain.StatusPendingVerification))

	for _, status := range []domain.Status{domain.StatusRejected, domain.StatusBlacklisted} {
		for _, role := range domain.AllRoles {
			assert.Empty(t, CanAct(role, status), "%s/%s", role, status)
		}
	}
}

func TestAdminIsSuperset(t *testing.T) {
	for _, status := range domain.AllStatuses {
		admin := CanAct(domain.RoleAdmin, status)
		for _, role := range []domain.Role{domain.RoleMissionOperator, domain.RoleAgency, domain.RoleMinistry} {
			for _, act := range CanAct(role, status) {
				assert.Contains(t, admin, act, "%s lacks %s in %s", domain.RoleAdmin, act, status)
			}
		}
	}
}

func TestAuthorize(t *testing.T) {
	require.NoError(t, Authorize(domain.RoleMinistry, domain.StatusDraft, domain.ActionApprove))
	err := Authorize(domain.RoleAgency, domain.StatusDraft, domain.ActionApprove)
	var forbidden ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, domain.RoleAgency, forbidden.Role)
	assert.Equal(t, domain.StatusDraft, forbidden.Status)
	assert.Error(t, Authorize("NOBODY", domain.StatusDraft, domain.ActionEdit))
}

func TestRegionRouting(t *testing.T) {
	r := DefaultRouter()
	assert.Equal(t, domain.AgencySpecialBranchSindh, r.HomeAgency("Sindh"))
	assert.Equal(t, domain.AgencySpecialBranchSindh, r.HomeAgency("  sindh "))
	assert.Equal(t, domain.AgencySpecialBranchKPK, r.HomeAgency("KPK"))
	assert.Equal(t, domain.AgencyIntelligenceBureau, r.HomeAgency(""))
	assert.Equal(t, domain.AgencyIntelligenceBureau, r.HomeAgency("Gilgit"))
	assert.Equal(t, domain.AgencySpecialBranchSindh, HomeAgency("Sindh"))

	operator := Principal{ActorID: "m1", Role: domain.RoleMissionOperator, Region: "Sindh"}
	assert.Equal(t, domain.AgencySpecialBranchSindh, r.ResolveAgency(operator))

	explicit := Principal{ActorID: "a1", Role: domain.RoleAgency, Region: "Sindh", Agency: domain.AgencyIntelligenceBureau}
	assert.Equal(t, domain.AgencyIntelligenceBureau, r.ResolveAgency(explicit))
}

func TestNewRouterFromConfig(t *testing.T) {
	cfg := config.Default("etd")
	cfg.Agencies.Routing.Regions["Islamabad"] = "SPECIAL_BRANCH_FEDERAL"
	r := NewRouter(cfg)
	assert.Equal(t, domain.AgencySpecialBranchFederal, r.HomeAgency("islamabad"))
	assert.Equal(t, domain.AgencySpecialBranchPunjab, r.HomeAgency("PUNJAB"))
	assert.Equal(t, domain.AgencyIntelligenceBureau, r.HomeAgency("nowhere"))
	assert.Equal(t, domain.AgencySpecialBranchSindh, NewRouter(nil).HomeAgency("Sindh"))
}

func TestAuthorizeAgency(t *testing.T) {
	router := DefaultRouter()
	app := domain.Application{
		ID:                            "app-1",
		Status:                        domain.StatusPendingVerification,
		PendingVerificationAgencies:   []domain.Agency{domain.AgencySpecialBranchSindh},
		VerificationCompletedAgencies: []domain.Agency{domain.AgencyIntelligenceBureau},
	}

	sindh := Principal{ActorID: "a1", Role: domain.RoleAgency, Region: "Sindh"}
	agency, err := AuthorizeAgency(sindh, app, domain.ActionSubmitVerification, "", router)
	require.NoError(t, err)
	assert.Equal(t, domain.AgencySpecialBranchSindh, agency)

	_, err = AuthorizeAgency(sindh, app, domain.ActionSubmitVerification, domain.AgencySpecialBranchPunjab, router)
	assert.ErrorAs(t, err, &ForbiddenError{})

	punjab := Principal{ActorID: "a2", Role: domain.RoleAgency, Region: "Punjab"}
	_, err = AuthorizeAgency(punjab, app, domain.ActionSubmitVerification, "", router)
	assert.ErrorAs(t, err, &ForbiddenError{})

	ib := Principal{ActorID: "a3", Role: domain.RoleAgency, Agency: domain.AgencyIntelligenceBureau}
	agency, err = AuthorizeAgency(ib, app, domain.ActionSubmitVerification, "", router)
	require.NoError(t, err, "completed agencies pass so the aggregator can report the duplicate")
	assert.Equal(t, domain.AgencyIntelligenceBureau, agency)

	admin := Principal{ActorID: "root", Role: domain.RoleAdmin}
	_, err = AuthorizeAgency(admin, app, domain.ActionSubmitVerification, "", router)
	assert.ErrorAs(t, err, &ForbiddenError{})
	agency, err = AuthorizeAgency(admin, app, domain.ActionSubmitVerification, domain.AgencySpecialBranchSindh, router)
	require.NoError(t, err)
	assert.Equal(t, domain.AgencySpecialBranchSindh, agency)

	ministry := Principal{ActorID: "min", Role: domain.RoleMinistry}
	_, err = AuthorizeAgency(ministry, app, domain.ActionSubmitVerification, domain.AgencySpecialBranchSindh, router)
	assert.ErrorAs(t, err, &ForbiddenError{})
}

func TestActionsForHidesForeignAgencies(t *testing.T) {
	router := DefaultRouter()
	app := domain.Application{
		Status:                      domain.StatusPendingVerification,
		PendingVerificationAgencies: []domain.Agency{domain.AgencySpecialBranchSindh},
	}
	assert.Equal(t, []domain.Action{domain.ActionSubmitVerification}, ActionsFor(Principal{Role: domain.RoleAgency, Region: "Sindh"}, app, router))
	assert.Empty(t, ActionsFor(Principal{Role: domain.RoleAgency, Region: "Punjab"}, app, router))

	assigned := domain.AgencySpecialBranchPunjab
	legacy := domain.Application{Status: domain.StatusAgencyReview, AssignedAgency: &assigned}
	assert.Empty(t, ActionsFor(Principal{Role: domain.RoleAgency, Region: "Sindh"}, legacy, router))
	assert.ElementsMatch(t, []domain.Action{domain.ActionAgencyApprove, domain.ActionAgencyReject}, ActionsFor(Principal{Role: domain.RoleAgency, Region: "Punjab"}, legacy, router))
}

func TestUnassignedLegacyActionsBelongToHomeAgency(t *testing.T) {
	router := DefaultRouter()
	app := domain.Application{Status: domain.StatusSubmitted, Region: "Sindh"}

	punjab := Principal{ActorID: "a1", Role: domain.RoleAgency, Agency: domain.AgencySpecialBranchPunjab}
	_, err := AuthorizeAgency(punjab, app, domain.ActionAgencyApprove, "", router)
	var ferr ForbiddenError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, domain.AgencySpecialBranchPunjab, ferr.Agency)
	assert.Empty(t, ActionsFor(punjab, app, router))

	sindh := Principal{ActorID: "a2", Role: domain.RoleAgency, Region: "sindh"}
	agency, err := AuthorizeAgency(sindh, app, domain.ActionAgencyApprove, "", router)
	require.NoError(t, err)
	assert.Equal(t, domain.AgencySpecialBranchSindh, agency)

	admin := Principal{ActorID: "root", Role: domain.RoleAdmin}
	_, err = AuthorizeAgency(admin, app, domain.ActionAgencyReject, domain.AgencyIntelligenceBureau, router)
	assert.ErrorAs(t, err, &ForbiddenError{})
}
