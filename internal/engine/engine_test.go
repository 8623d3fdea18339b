package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etdflow/internal/blob"
	"etdflow/internal/config"
	"etdflow/internal/db"
	"etdflow/internal/domain"
	"etdflow/internal/engine"
	"etdflow/internal/engine/auth"
	"etdflow/internal/events"
	"etdflow/internal/metrics"
	"etdflow/internal/migrate"
	"etdflow/internal/repo"
)

var (
	mission  = auth.Principal{ActorID: "mission-1", Role: domain.RoleMissionOperator, Region: "Sindh"}
	ministry = auth.Principal{ActorID: "ministry-1", Role: domain.RoleMinistry}
	admin    = auth.Principal{ActorID: "root", Role: domain.RoleAdmin}
)

func agencyActor(a domain.Agency) auth.Principal {
	return auth.Principal{ActorID: "officer-" + string(a), Role: domain.RoleAgency, Agency: a}
}

// recordingStore wraps a blob store, records calls and can fail writes or
// run a hook once after the first successful write.
type recordingStore struct {
	blob.Store
	mu      sync.Mutex
	failPut bool
	onPut   func()
	puts    []string
	deletes []string
}

func (s *recordingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	s.puts = append(s.puts, key)
	if s.failPut {
		s.mu.Unlock()
		return errors.New("disk full")
	}
	hook := s.onPut
	s.onPut = nil
	s.mu.Unlock()
	if err := s.Store.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (s *recordingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deletes = append(s.deletes, key)
	s.mu.Unlock()
	return s.Store.Delete(ctx, key)
}

type testEnv struct {
	Engine  engine.Engine
	Blobs   *recordingStore
	Metrics *metrics.Metrics
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	eng := engine.New(conn, db.SQLite, config.Default("etd"))
	eng.Now = func() time.Time { return time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC) }
	store := &recordingStore{Store: blob.NewFS(afero.NewMemMapFs(), "blobs")}
	eng.Blobs = store
	eng.Metrics = metrics.New(prometheus.NewRegistry())
	return testEnv{Engine: eng, Blobs: store, Metrics: eng.Metrics, Ctx: context.Background()}
}

func (env testEnv) draft(t *testing.T) domain.Application {
	t.Helper()
	app, err := env.Engine.CreateApplication(env.Ctx, engine.CreateInput{
		Actor:   mission,
		Citizen: domain.Citizen{CitizenID: "4210112345671", FirstName: "Ali", LastName: "Khan"},
	})
	require.NoError(t, err)
	return app
}

func (env testEnv) fanOut(t *testing.T, id string, agencies ...domain.Agency) domain.Application {
	t.Helper()
	app, err := env.Engine.SendForVerification(env.Ctx, engine.SendForVerificationInput{
		ApplicationID: id,
		Actor:         ministry,
		Agencies:      agencies,
		Document:      []byte("%PDF-1.4 verification"),
		ContentType:   "application/pdf",
		Remarks:       "please verify",
	})
	require.NoError(t, err)
	return app
}

func (env testEnv) respond(agency domain.Agency, id string) (domain.Application, error) {
	return env.Engine.SubmitVerification(env.Ctx, engine.SubmitVerificationInput{
		ApplicationID: id,
		Actor:         agencyActor(agency),
		Remarks:       "no record found for " + string(agency),
	})
}

func (env testEnv) reload(t *testing.T, id string) domain.Application {
	t.Helper()
	app, err := env.Engine.Get(env.Ctx, id)
	require.NoError(t, err)
	return app
}

// assertVerificationInvariants checks that the pending and completed sets
// are disjoint and that the pending status matches a non-empty pending set.
func assertVerificationInvariants(t *testing.T, app domain.Application) {
	t.Helper()
	for _, p := range app.PendingVerificationAgencies {
		assert.NotContains(t, app.VerificationCompletedAgencies, p)
	}
	assert.Equal(t, app.Status == domain.StatusPendingVerification, len(app.PendingVerificationAgencies) > 0,
		"status %s with pending %v", app.Status, app.PendingVerificationAgencies)
}

func TestCreateApplication(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	assert.Equal(t, domain.StatusDraft, app.Status)
	assert.Equal(t, "Sindh", app.Region)
	assert.Equal(t, "mission-1", app.CreatedBy)

	_, err := env.Engine.CreateApplication(env.Ctx, engine.CreateInput{Actor: mission, Citizen: domain.Citizen{CitizenID: "1", FirstName: "A"}})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "citizen.last_name", verr.Field)

	_, err = env.Engine.CreateApplication(env.Ctx, engine.CreateInput{Actor: ministry, Citizen: domain.Citizen{CitizenID: "1", FirstName: "A", LastName: "B"}})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err))

	evs, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: app.ID})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeCreated, evs[0].Type)
	assert.Equal(t, string(domain.StatusDraft), evs[0].ToStatus)
}

func TestFanOutFanInRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	a, b, c := domain.AgencyIntelligenceBureau, domain.AgencySpecialBranchSindh, domain.AgencySpecialBranchPunjab

	app = env.fanOut(t, app.ID, a, b, c)
	assert.Equal(t, domain.StatusPendingVerification, app.Status)
	assert.Equal(t, []domain.Agency{a, b, c}, app.PendingVerificationAgencies)
	assert.Empty(t, app.VerificationCompletedAgencies)
	require.NotNil(t, app.VerificationDocumentRef)
	require.NotNil(t, app.VerificationSentAt)
	assertVerificationInvariants(t, env.reload(t, app.ID))

	_, err := env.respond(a, app.ID)
	require.NoError(t, err)
	assertVerificationInvariants(t, env.reload(t, app.ID))
	app, err = env.respond(b, app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingVerification, app.Status)
	assert.Equal(t, []domain.Agency{c}, app.PendingVerificationAgencies)

	stored := env.reload(t, app.ID)
	assert.Equal(t, []domain.Agency{c}, stored.PendingVerificationAgencies)
	assert.ElementsMatch(t, []domain.Agency{a, b}, stored.VerificationCompletedAgencies)
	assertVerificationInvariants(t, stored)

	app, err = env.respond(c, app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerificationReceived, app.Status)
	assert.Empty(t, app.PendingVerificationAgencies)
	require.NotNil(t, app.VerificationCompletedAt)

	stored = env.reload(t, app.ID)
	assert.Equal(t, domain.StatusVerificationReceived, stored.Status)
	assert.Empty(t, stored.PendingVerificationAgencies)
	assert.ElementsMatch(t, []domain.Agency{a, b, c}, stored.VerificationCompletedAgencies)
	assert.Len(t, stored.AgencyRemarks, 3)
	assertVerificationInvariants(t, stored)

	doc, err := env.Engine.Document(env.Ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 verification", string(doc))

	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Transitions.WithLabelValues("DRAFT", "PENDING_VERIFICATION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Transitions.WithLabelValues("PENDING_VERIFICATION", "VERIFICATION_RECEIVED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(env.Metrics.Operations.WithLabelValues("submit_verification", engine.KindOK)))
}

func TestFanOutValidation(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	doc := []byte("doc")

	cases := []struct {
		name string
		in   engine.SendForVerificationInput
		kind string
	}{
		{"no agencies", engine.SendForVerificationInput{Actor: ministry, Document: doc}, engine.KindValidation},
		{"unknown agency", engine.SendForVerificationInput{Actor: ministry, Agencies: []domain.Agency{"NOBODY"}, Document: doc}, engine.KindValidation},
		{"missing document", engine.SendForVerificationInput{Actor: ministry, Agencies: []domain.Agency{domain.AgencyIntelligenceBureau}}, engine.KindValidation},
		{"mission operator", engine.SendForVerificationInput{Actor: mission, Agencies: []domain.Agency{domain.AgencyIntelligenceBureau}, Document: doc}, engine.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.ApplicationID = app.ID
			_, err := env.Engine.SendForVerification(env.Ctx, tc.in)
			assert.Equal(t, tc.kind, engine.Kind(err), "%v", err)
		})
	}
	assert.Empty(t, env.Blobs.puts, "rejected requests must not touch the blob store")

	_, err := env.Engine.SendForVerification(env.Ctx, engine.SendForVerificationInput{ApplicationID: "missing", Actor: ministry})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	app = env.fanOut(t, app.ID, "intelligence_bureau", domain.AgencyIntelligenceBureau)
	assert.Equal(t, []domain.Agency{domain.AgencyIntelligenceBureau}, app.PendingVerificationAgencies)

	_, err = env.Engine.SendForVerification(env.Ctx, engine.SendForVerificationInput{
		ApplicationID: app.ID, Actor: ministry, Agencies: []domain.Agency{domain.AgencySpecialBranchKPK}, Document: doc,
	})
	assert.Equal(t, engine.KindInvalidTransition, engine.Kind(err), "a second fan-out must not re-arm the pending set")
}

func TestFanOutWithoutDocumentWhenPolicyAllows(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Policy.RequireVerificationDocument = false
	app := env.draft(t)
	app, err := env.Engine.SendForVerification(env.Ctx, engine.SendForVerificationInput{
		ApplicationID: app.ID, Actor: ministry, Agencies: []domain.Agency{domain.AgencySpecialBranchKPK},
	})
	require.NoError(t, err)
	assert.Nil(t, app.VerificationDocumentRef)
	_, err = env.Engine.Document(env.Ctx, app.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestFanInChecks(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)

	_, err := env.respond(domain.AgencySpecialBranchSindh, app.ID)
	assert.Equal(t, engine.KindForbidden, engine.Kind(err), "draft is not pending verification")

	app = env.fanOut(t, app.ID, domain.AgencySpecialBranchSindh, domain.AgencySpecialBranchKPK)

	_, err = env.respond(domain.AgencySpecialBranchPunjab, app.ID)
	assert.Equal(t, engine.KindForbidden, engine.Kind(err), "agency outside the pending set")

	_, err = env.Engine.SubmitVerification(env.Ctx, engine.SubmitVerificationInput{ApplicationID: app.ID, Actor: agencyActor(domain.AgencySpecialBranchSindh), Remarks: "  "})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))

	_, err = env.Engine.SubmitVerification(env.Ctx, engine.SubmitVerificationInput{ApplicationID: app.ID, Actor: ministry, Agency: domain.AgencySpecialBranchSindh, Remarks: "x"})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err))

	// Region fallback: an agency officer without an explicit claim.
	sindhOfficer := auth.Principal{ActorID: "officer-7", Role: domain.RoleAgency, Region: "sindh"}
	app, err = env.Engine.SubmitVerification(env.Ctx, engine.SubmitVerificationInput{ApplicationID: app.ID, Actor: sindhOfficer, Remarks: "clear"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Agency{domain.AgencySpecialBranchKPK}, app.PendingVerificationAgencies)

	app, err = env.Engine.SubmitVerification(env.Ctx, engine.SubmitVerificationInput{
		ApplicationID: app.ID, Actor: admin, Agency: "special_branch_kpk", Remarks: "recorded on behalf", Attachment: []byte("scan"), ContentType: "image/png",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerificationReceived, app.Status)

	atts, err := env.Engine.Attachments(env.Ctx, app.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, domain.AgencySpecialBranchKPK, atts[0].Agency)
	data, err := env.Engine.Attachment(env.Ctx, app.ID, domain.AgencySpecialBranchKPK)
	require.NoError(t, err)
	assert.Equal(t, "scan", string(data))
	_, err = env.Engine.Attachment(env.Ctx, app.ID, domain.AgencySpecialBranchSindh)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDuplicateFanInIsRejected(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	a, b := domain.AgencyIntelligenceBureau, domain.AgencySpecialBranchSindh
	app = env.fanOut(t, app.ID, a, b)

	_, err := env.respond(a, app.ID)
	require.NoError(t, err)
	_, err = env.respond(a, app.ID)
	require.ErrorIs(t, err, engine.ErrAlreadySubmitted)
	assert.Equal(t, engine.KindAlreadySubmitted, engine.Kind(err))

	stored := env.reload(t, app.ID)
	count := 0
	for _, rm := range stored.AgencyRemarks {
		if rm.Agency == a {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, domain.StatusPendingVerification, stored.Status)

	_, err = env.respond(b, app.ID)
	require.NoError(t, err)
	_, err = env.respond(b, app.ID)
	assert.ErrorIs(t, err, engine.ErrAlreadySubmitted, "duplicates stay duplicates after the set drains")
}

func TestConcurrentFanInAdvancesOnce(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	agencies := []domain.Agency{
		domain.AgencyIntelligenceBureau,
		domain.AgencySpecialBranchPunjab,
		domain.AgencySpecialBranchSindh,
		domain.AgencySpecialBranchKPK,
		domain.AgencySpecialBranchBalochistan,
		domain.AgencySpecialBranchFederal,
	}
	app = env.fanOut(t, app.ID, agencies...)

	var wg sync.WaitGroup
	errs := make([]error, len(agencies))
	for i, agency := range agencies {
		wg.Add(1)
		go func(i int, agency domain.Agency) {
			defer wg.Done()
			_, errs[i] = env.respond(agency, app.ID)
		}(i, agency)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "agency %s", agencies[i])
	}

	stored := env.reload(t, app.ID)
	assert.Equal(t, domain.StatusVerificationReceived, stored.Status)
	assert.Empty(t, stored.PendingVerificationAgencies)
	assert.ElementsMatch(t, agencies, stored.VerificationCompletedAgencies)
	assert.Len(t, stored.AgencyRemarks, len(agencies))

	received, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: app.ID, Type: events.TypeVerificationReceived})
	require.NoError(t, err)
	assert.Len(t, received, 1)
	partial, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: app.ID, Type: events.TypeVerificationSubmitted})
	require.NoError(t, err)
	assert.Len(t, partial, len(agencies)-1)
}

func TestBlobFailureAbortsFanOut(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	env.Blobs.failPut = true

	_, err := env.Engine.SendForVerification(env.Ctx, engine.SendForVerificationInput{
		ApplicationID: app.ID, Actor: ministry, Agencies: []domain.Agency{domain.AgencyIntelligenceBureau}, Document: []byte("doc"),
	})
	require.Error(t, err)
	assert.Equal(t, engine.KindInternal, engine.Kind(err))

	stored := env.reload(t, app.ID)
	assert.Equal(t, domain.StatusDraft, stored.Status)
	assert.Empty(t, stored.PendingVerificationAgencies)
	assert.Nil(t, stored.VerificationDocumentRef)
	assert.Equal(t, app.Version, stored.Version)

	sent, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: app.ID, Type: events.TypeSentForVerification})
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestAbortedFanInDiscardsAttachment(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	agency := domain.AgencySpecialBranchSindh
	app = env.fanOut(t, app.ID, agency, domain.AgencyIntelligenceBureau)

	// A retry from the same agency lands between the attachment write and
	// the transaction of the first request.
	env.Blobs.onPut = func() {
		_, err := env.respond(agency, app.ID)
		require.NoError(t, err)
	}
	_, err := env.Engine.SubmitVerification(env.Ctx, engine.SubmitVerificationInput{
		ApplicationID: app.ID, Actor: agencyActor(agency), Remarks: "with scan", Attachment: []byte("scan"),
	})
	require.ErrorIs(t, err, engine.ErrAlreadySubmitted)

	require.Len(t, env.Blobs.puts, 2)
	orphan := env.Blobs.puts[1]
	assert.Contains(t, env.Blobs.deletes, orphan)
	_, err = env.Blobs.Store.Get(env.Ctx, orphan)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	stored := env.reload(t, app.ID)
	require.Len(t, stored.AgencyRemarks, 1)
	assert.Nil(t, stored.AgencyRemarks[0].AttachmentRef)
}

func TestDecideWhilePendingIsInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	app = env.fanOut(t, app.ID, domain.AgencyIntelligenceBureau)

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionApprove})
	var terr engine.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StatusPendingVerification, terr.From)
	assert.Equal(t, domain.StatusApproved, terr.To)
	assert.Equal(t, domain.RoleMinistry, terr.Role)

	_, err = env.Engine.Blacklist(env.Ctx, engine.BlacklistInput{ApplicationID: app.ID, Actor: ministry, Remarks: "watchlist"})
	assert.Equal(t, engine.KindInvalidTransition, engine.Kind(err))
	assert.Equal(t, domain.StatusPendingVerification, env.reload(t, app.ID).Status)
}

func TestRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionReject})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rejection_reason", verr.Field)
	assert.Equal(t, domain.StatusDraft, env.reload(t, app.ID).Status)

	app, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionReject, RejectionReason: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, app.Status)
	require.NotNil(t, app.RejectionReason)
	assert.Equal(t, "x", *app.RejectionReason)
	require.NotNil(t, app.ReviewedBy)
	assert.Equal(t, "ministry-1", *app.ReviewedBy)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	app, err := env.Engine.Decide(env.Ctx, engine.DecideInput{
		ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionApprove,
		ETDIssueDate: "2026-03-18", ETDExpiryDate: "2026-04-17T00:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, app.Status)
	assert.Equal(t, "2026-04-17", *app.ETDExpiryDate)

	for _, actor := range []auth.Principal{ministry, admin} {
		for _, d := range []domain.Decision{domain.DecisionApprove, domain.DecisionReject} {
			_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: actor, Decision: d, RejectionReason: "late"})
			kind := engine.Kind(err)
			assert.Contains(t, []string{engine.KindInvalidTransition, engine.KindForbidden}, kind, "%s %s", actor.Role, d)
		}
	}
	_, err = env.Engine.Blacklist(env.Ctx, engine.BlacklistInput{ApplicationID: app.ID, Actor: ministry, Remarks: "x"})
	assert.Error(t, err)
	_, err = env.fanOutErr(app.ID)
	assert.Error(t, err)

	stored := env.reload(t, app.ID)
	assert.Equal(t, domain.StatusApproved, stored.Status)
	assert.Equal(t, app.Version, stored.Version)
	assert.Nil(t, stored.RejectionReason)
}

func (env testEnv) fanOutErr(id string) (domain.Application, error) {
	return env.Engine.SendForVerification(env.Ctx, engine.SendForVerificationInput{
		ApplicationID: id, Actor: ministry, Agencies: []domain.Agency{domain.AgencyIntelligenceBureau}, Document: []byte("doc"),
	})
}

func TestDecideDates(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionApprove, ETDIssueDate: "2026-05-01", ETDExpiryDate: "2026-05-01"})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))
	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionApprove, ETDIssueDate: "01/05/2026"})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))
	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: "MAYBE"})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))

	app, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: "approve", BlacklistFlag: true})
	require.NoError(t, err, "a set blacklist flag does not block approval")
	assert.True(t, app.BlacklistCheckPassed)
	assert.Nil(t, app.ETDIssueDate)

	approved, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: app.ID, Type: events.TypeApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Contains(t, approved[0].Payload, `"blacklist_check_failed":true`)
}

func TestLegacyPathReviewStampedOnce(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{ApplicationID: app.ID, Actor: auth.Principal{ActorID: "other", Role: domain.RoleMissionOperator}})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err), "only the owner submits")
	app, err = env.Engine.Submit(env.Ctx, engine.SubmitInput{ApplicationID: app.ID, Actor: mission})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, app.Status)

	sindh := agencyActor(domain.AgencySpecialBranchSindh)
	app, err = env.Engine.AgencyApprove(env.Ctx, engine.AgencyDecisionInput{ApplicationID: app.ID, Actor: sindh, Remarks: "nothing adverse"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMinistryReview, app.Status)
	assert.Nil(t, app.ReviewedAt)
	assert.Nil(t, app.ReviewedBy)
	require.NotNil(t, app.AssignedAgency)
	assert.Equal(t, domain.AgencySpecialBranchSindh, *app.AssignedAgency)

	app, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, app.Status)
	require.NotNil(t, app.ReviewedAt)
	require.NotNil(t, app.ReviewedBy)
	reviewedAt := *app.ReviewedAt

	env.Engine.Now = func() time.Time { return time.Date(2026, 3, 19, 9, 0, 0, 0, time.UTC) }
	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionApprove})
	require.Error(t, err)
	stored := env.reload(t, app.ID)
	assert.Equal(t, reviewedAt, *stored.ReviewedAt)
	assert.Equal(t, "ministry-1", *stored.ReviewedBy)
}

func TestLegacyRoutingAndAgencyReject(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	app, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{ApplicationID: app.ID, Actor: mission})
	require.NoError(t, err)

	app, err = env.Engine.SendToAgency(env.Ctx, engine.SendToAgencyInput{ApplicationID: app.ID, Actor: ministry})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAgencyReview, app.Status)
	require.NotNil(t, app.AssignedAgency)
	assert.Equal(t, domain.AgencySpecialBranchSindh, *app.AssignedAgency, "routed by the application's region")

	_, err = env.Engine.AgencyReject(env.Ctx, engine.AgencyDecisionInput{ApplicationID: app.ID, Actor: agencyActor(domain.AgencySpecialBranchPunjab), Remarks: "not ours"})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err))
	_, err = env.Engine.AgencyReject(env.Ctx, engine.AgencyDecisionInput{ApplicationID: app.ID, Actor: agencyActor(domain.AgencySpecialBranchSindh)})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))

	app, err = env.Engine.AgencyReject(env.Ctx, engine.AgencyDecisionInput{ApplicationID: app.ID, Actor: agencyActor(domain.AgencySpecialBranchSindh), Remarks: "adverse record"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, app.Status)
	require.Len(t, app.AgencyRemarks, 1)
	assert.Equal(t, "adverse record", app.AgencyRemarks[0].Remarks)

	_, err = env.Engine.AgencyReject(env.Ctx, engine.AgencyDecisionInput{ApplicationID: app.ID, Actor: agencyActor(domain.AgencySpecialBranchSindh), Remarks: "again"})
	assert.Equal(t, engine.KindInvalidTransition, engine.Kind(err))

	app, err = env.Engine.SendToAgency(env.Ctx, engine.SendToAgencyInput{ApplicationID: app.ID, Actor: ministry, Agency: domain.AgencyIntelligenceBureau})
	require.NoError(t, err)
	assert.Equal(t, domain.AgencyIntelligenceBureau, *app.AssignedAgency)

	app, err = env.Engine.Blacklist(env.Ctx, engine.BlacklistInput{ApplicationID: app.ID, Actor: ministry, Remarks: "forged documents"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlacklisted, app.Status)
	assert.Equal(t, "forged documents", *app.BlacklistReason)
	assert.Nil(t, app.ReviewedAt)
}

func TestLegacyApproveByForeignAgencyIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	app := env.inStatus(t, domain.StatusSubmitted)
	require.Equal(t, "Sindh", app.Region)

	_, err := env.Engine.AgencyApprove(env.Ctx, engine.AgencyDecisionInput{ApplicationID: app.ID, Actor: agencyActor(domain.AgencySpecialBranchPunjab)})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err))
	stored := env.reload(t, app.ID)
	assert.Equal(t, domain.StatusSubmitted, stored.Status)
	assert.Nil(t, stored.AssignedAgency)
}

func TestBlacklistAfterVerification(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)
	app = env.fanOut(t, app.ID, domain.AgencyIntelligenceBureau)
	_, err := env.respond(domain.AgencyIntelligenceBureau, app.ID)
	require.NoError(t, err)

	_, err = env.Engine.Blacklist(env.Ctx, engine.BlacklistInput{ApplicationID: app.ID, Actor: ministry})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))
	_, err = env.Engine.Blacklist(env.Ctx, engine.BlacklistInput{ApplicationID: app.ID, Actor: agencyActor(domain.AgencyIntelligenceBureau), Remarks: "x"})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err))

	app, err = env.Engine.Blacklist(env.Ctx, engine.BlacklistInput{ApplicationID: app.ID, Actor: admin, Remarks: "on exit control list"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlacklisted, app.Status)
	assert.Nil(t, app.ReviewedBy)
	assert.True(t, app.Status.Terminal())
}

func TestPrintAndQC(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)

	_, err := env.Engine.MarkPrinted(env.Ctx, engine.PrintInput{ApplicationID: app.ID, Actor: mission, SheetNo: "S-1"})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err), "drafts cannot be printed")

	app, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionApprove})
	require.NoError(t, err)

	_, err = env.Engine.QCPass(env.Ctx, engine.QCInput{ApplicationID: app.ID, Actor: mission})
	assert.Equal(t, engine.KindValidation, engine.Kind(err), "qc needs a printed document")
	_, err = env.Engine.MarkPrinted(env.Ctx, engine.PrintInput{ApplicationID: app.ID, Actor: mission})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))

	app, err = env.Engine.MarkPrinted(env.Ctx, engine.PrintInput{ApplicationID: app.ID, Actor: mission, SheetNo: "S-1"})
	require.NoError(t, err)
	assert.True(t, app.IsPrinted)
	assert.Equal(t, domain.StatusApproved, app.Status)

	_, err = env.Engine.QCFail(env.Ctx, engine.QCInput{ApplicationID: app.ID, Actor: mission})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))
	app, err = env.Engine.QCFail(env.Ctx, engine.QCInput{ApplicationID: app.ID, Actor: mission, Reason: "smudged MRZ"})
	require.NoError(t, err)
	assert.False(t, app.IsPrinted)
	assert.Equal(t, "smudged MRZ", *app.QCFailureReason)
	assert.Equal(t, domain.StatusApproved, app.Status)

	app, err = env.Engine.MarkPrinted(env.Ctx, engine.PrintInput{ApplicationID: app.ID, Actor: mission, SheetNo: "S-2"})
	require.NoError(t, err)
	assert.Nil(t, app.QCFailureReason)
	app, err = env.Engine.QCPass(env.Ctx, engine.QCInput{ApplicationID: app.ID, Actor: mission})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, app.Status)
	assert.Equal(t, "S-2", *app.SheetNo)

	_, err = env.Engine.QCPass(env.Ctx, engine.QCInput{ApplicationID: app.ID, Actor: mission})
	assert.Equal(t, engine.KindInvalidTransition, engine.Kind(err))
}

func TestEditDraft(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)

	other := auth.Principal{ActorID: "mission-2", Role: domain.RoleMissionOperator}
	region := "Punjab"
	_, err := env.Engine.EditApplication(env.Ctx, engine.EditInput{ApplicationID: app.ID, Actor: other, Region: &region})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err))
	_, err = env.Engine.EditApplication(env.Ctx, engine.EditInput{ApplicationID: app.ID, Actor: mission})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))

	citizen := app.Citizen
	citizen.Profession = "Engineer"
	app, err = env.Engine.EditApplication(env.Ctx, engine.EditInput{ApplicationID: app.ID, Actor: mission, Citizen: &citizen, Region: &region})
	require.NoError(t, err)
	assert.Equal(t, "Engineer", app.Citizen.Profession)
	assert.Equal(t, "Punjab", env.reload(t, app.ID).Region)
	assert.Equal(t, int64(2), app.Version)

	_, err = env.Engine.Submit(env.Ctx, engine.SubmitInput{ApplicationID: app.ID, Actor: mission})
	require.NoError(t, err)
	_, err = env.Engine.EditApplication(env.Ctx, engine.EditInput{ApplicationID: app.ID, Actor: mission, Region: &region})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err), "submitted applications are read-only to the mission")
}

func TestActionsAndQueries(t *testing.T) {
	env := newTestEnv(t)
	app := env.draft(t)

	acts, err := env.Engine.Actions(env.Ctx, ministry, app.ID)
	require.NoError(t, err)
	assert.Contains(t, acts, domain.ActionSendForVerification)
	acts, err = env.Engine.Actions(env.Ctx, agencyActor(domain.AgencySpecialBranchSindh), app.ID)
	require.NoError(t, err)
	assert.Empty(t, acts)

	app = env.fanOut(t, app.ID, domain.AgencySpecialBranchSindh)
	acts, err = env.Engine.Actions(env.Ctx, agencyActor(domain.AgencySpecialBranchSindh), app.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Action{domain.ActionSubmitVerification}, acts)

	_, err = env.Engine.Actions(env.Ctx, ministry, "missing")
	assert.Equal(t, engine.KindNotFound, engine.Kind(err))

	list, err := env.Engine.List(env.Ctx, repo.ApplicationFilters{Statuses: []string{"pending_verification"}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = env.Engine.List(env.Ctx, repo.ApplicationFilters{Statuses: []string{"LOST"}})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))

	stats, err := env.Engine.Stats(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Today)
}

// inStatus builds a fresh application and drives it to status.
func (env testEnv) inStatus(t *testing.T, status domain.Status) domain.Application {
	t.Helper()
	app := env.draft(t)
	var err error
	submit := func() {
		app, err = env.Engine.Submit(env.Ctx, engine.SubmitInput{ApplicationID: app.ID, Actor: mission})
		require.NoError(t, err)
	}
	switch status {
	case domain.StatusDraft:
	case domain.StatusSubmitted:
		submit()
	case domain.StatusAgencyReview:
		submit()
		app, err = env.Engine.SendToAgency(env.Ctx, engine.SendToAgencyInput{ApplicationID: app.ID, Actor: ministry})
		require.NoError(t, err)
	case domain.StatusMinistryReview:
		submit()
		app, err = env.Engine.AgencyApprove(env.Ctx, engine.AgencyDecisionInput{ApplicationID: app.ID, Actor: agencyActor(domain.AgencySpecialBranchSindh)})
		require.NoError(t, err)
	case domain.StatusPendingVerification:
		app = env.fanOut(t, app.ID, domain.AgencyIntelligenceBureau)
	case domain.StatusVerificationReceived:
		app = env.fanOut(t, app.ID, domain.AgencyIntelligenceBureau)
		app, err = env.respond(domain.AgencyIntelligenceBureau, app.ID)
		require.NoError(t, err)
	case domain.StatusApproved, domain.StatusCompleted:
		app, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ApplicationID: app.ID, Actor: ministry, Decision: domain.DecisionApprove})
		require.NoError(t, err)
		if status == domain.StatusCompleted {
			_, err = env.Engine.MarkPrinted(env.Ctx, engine.PrintInput{ApplicationID: app.ID, Actor: mission, SheetNo: "S-1"})
			require.NoError(t, err)
			app, err = env.Engine.QCPass(env.Ctx, engine.QCInput{ApplicationID: app.ID, Actor: mission})
			require.NoError(t, err)
		}
	default:
		t.Fatalf("no recipe for %s", status)
	}
	require.Equal(t, status, app.Status)
	return app
}

// perform runs act on app as p with otherwise valid input.
func (env testEnv) perform(p auth.Principal, app domain.Application, act domain.Action) error {
	ctx, id := env.Ctx, app.ID
	agency := p.Agency
	if p.Role == domain.RoleAdmin {
		agency = auth.HomeAgency(app.Region)
		if app.AssignedAgency != nil {
			agency = *app.AssignedAgency
		}
		if len(app.PendingVerificationAgencies) > 0 {
			agency = app.PendingVerificationAgencies[0]
		}
	}
	var err error
	switch act {
	case domain.ActionCreate:
		_, err = env.Engine.CreateApplication(ctx, engine.CreateInput{Actor: p, Citizen: app.Citizen})
	case domain.ActionEdit:
		region := "Punjab"
		_, err = env.Engine.EditApplication(ctx, engine.EditInput{ApplicationID: id, Actor: p, Region: &region})
	case domain.ActionSubmit:
		_, err = env.Engine.Submit(ctx, engine.SubmitInput{ApplicationID: id, Actor: p})
	case domain.ActionPrint:
		_, err = env.Engine.MarkPrinted(ctx, engine.PrintInput{ApplicationID: id, Actor: p, SheetNo: "S-9"})
	case domain.ActionQC:
		_, err = env.Engine.QCPass(ctx, engine.QCInput{ApplicationID: id, Actor: p})
	case domain.ActionSendForVerification:
		_, err = env.Engine.SendForVerification(ctx, engine.SendForVerificationInput{
			ApplicationID: id, Actor: p, Agencies: []domain.Agency{domain.AgencyIntelligenceBureau}, Document: []byte("doc"),
		})
	case domain.ActionSubmitVerification:
		_, err = env.Engine.SubmitVerification(ctx, engine.SubmitVerificationInput{ApplicationID: id, Actor: p, Agency: agency, Remarks: "clear"})
	case domain.ActionApprove:
		_, err = env.Engine.Decide(ctx, engine.DecideInput{ApplicationID: id, Actor: p, Decision: domain.DecisionApprove})
	case domain.ActionReject:
		_, err = env.Engine.Decide(ctx, engine.DecideInput{ApplicationID: id, Actor: p, Decision: domain.DecisionReject, RejectionReason: "incomplete"})
	case domain.ActionBlacklist:
		_, err = env.Engine.Blacklist(ctx, engine.BlacklistInput{ApplicationID: id, Actor: p, Remarks: "watchlist"})
	case domain.ActionSendToAgency:
		_, err = env.Engine.SendToAgency(ctx, engine.SendToAgencyInput{ApplicationID: id, Actor: p})
	case domain.ActionAgencyApprove:
		_, err = env.Engine.AgencyApprove(ctx, engine.AgencyDecisionInput{ApplicationID: id, Actor: p, Agency: agency})
	case domain.ActionAgencyReject:
		_, err = env.Engine.AgencyReject(ctx, engine.AgencyDecisionInput{ApplicationID: id, Actor: p, Agency: agency, Remarks: "adverse"})
	default:
		return fmt.Errorf("unhandled action %s", act)
	}
	return err
}

func TestOfferedActionsAreReachable(t *testing.T) {
	statuses := []domain.Status{
		domain.StatusDraft,
		domain.StatusSubmitted,
		domain.StatusAgencyReview,
		domain.StatusMinistryReview,
		domain.StatusPendingVerification,
		domain.StatusVerificationReceived,
		domain.StatusApproved,
		domain.StatusCompleted,
	}
	actors := []auth.Principal{
		mission,
		ministry,
		admin,
		agencyActor(domain.AgencySpecialBranchSindh),
		agencyActor(domain.AgencyIntelligenceBureau),
	}
	env := newTestEnv(t)
	for _, status := range statuses {
		for _, p := range actors {
			current := env.inStatus(t, status)
			acts, err := env.Engine.Actions(env.Ctx, p, current.ID)
			require.NoError(t, err)
			for _, act := range acts {
				app := env.inStatus(t, status)
				err := env.perform(p, app, act)
				assert.NotEqual(t, engine.KindInvalidTransition, engine.Kind(err), "%s %s on %s: %v", p.Role, act, status, err)
			}
		}
	}
}

func TestActionsHideUnreachableMoves(t *testing.T) {
	env := newTestEnv(t)

	received := env.inStatus(t, domain.StatusVerificationReceived)
	acts, err := env.Engine.Actions(env.Ctx, ministry, received.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Action{domain.ActionApprove, domain.ActionReject, domain.ActionBlacklist}, acts)

	submitted := env.inStatus(t, domain.StatusSubmitted)
	acts, err = env.Engine.Actions(env.Ctx, agencyActor(domain.AgencySpecialBranchSindh), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Action{domain.ActionAgencyApprove}, acts)

	review := env.inStatus(t, domain.StatusMinistryReview)
	acts, err = env.Engine.Actions(env.Ctx, ministry, review.ID)
	require.NoError(t, err)
	assert.NotContains(t, acts, domain.ActionSendForVerification)
	assert.Contains(t, acts, domain.ActionSendToAgency)
}

func TestAPIKeysAndConfigRequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.Engine.CreateAPIKey(env.Ctx, ministry, engine.APIKeyInput{ActorID: "svc", Role: domain.RoleAgency})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err))
	_, _, err = env.Engine.CreateAPIKey(env.Ctx, admin, engine.APIKeyInput{ActorID: "svc", Role: "JANITOR"})
	assert.Equal(t, engine.KindValidation, engine.Kind(err))

	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, admin, engine.APIKeyInput{ActorID: "svc", Role: domain.RoleAgency, Agency: "special_branch_kpk"})
	require.NoError(t, err)
	assert.Equal(t, domain.AgencySpecialBranchKPK, key.Agency)
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	require.NoError(t, err)
	assert.Equal(t, key.ID, stored.ID)

	require.NoError(t, env.Engine.DeleteAPIKey(env.Ctx, admin, key.ID))
	assert.Equal(t, engine.KindNotFound, engine.Kind(env.Engine.DeleteAPIKey(env.Ctx, admin, key.ID)))

	cfg := config.Default("etd")
	cfg.Agencies.Routing.Default = "NOWHERE"
	assert.Equal(t, engine.KindValidation, engine.Kind(env.Engine.ImportConfig(env.Ctx, admin, cfg)))
	require.NoError(t, env.Engine.ImportConfig(env.Ctx, admin, config.Default("etd")))
	got, err := env.Engine.Repo.GetConfig(env.Ctx, "etd")
	require.NoError(t, err)
	assert.True(t, got.Policy.RequireVerificationDocument)
}

func TestKindClassifiesWrappedErrors(t *testing.T) {
	cases := map[string]error{
		engine.KindOK:                nil,
		engine.KindInvalidTransition: fmt.Errorf("decide: %w", engine.InvalidTransitionError{From: domain.StatusDraft, To: domain.StatusCompleted}),
		engine.KindForbidden:         fmt.Errorf("x: %w", auth.ForbiddenError{Role: domain.RoleAgency}),
		engine.KindValidation:        engine.ValidationError{Field: "remarks", Reason: "is required"},
		engine.KindAlreadySubmitted:  fmt.Errorf("%w: again", engine.ErrAlreadySubmitted),
		engine.KindNotFound:          fmt.Errorf("application x: %w", repo.ErrNotFound),
		engine.KindConflictingUpdate: fmt.Errorf("%w: raced", engine.ErrConflictingUpdate),
		engine.KindInternal:          errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, engine.Kind(err))
	}
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, engine.CanTransition(domain.StatusDraft, domain.StatusPendingVerification))
	assert.True(t, engine.CanTransition(domain.StatusPendingVerification, domain.StatusPendingVerification))
	assert.True(t, engine.CanTransition(domain.StatusAgencyReview, domain.StatusSubmitted))
	assert.False(t, engine.CanTransition(domain.StatusPendingVerification, domain.StatusApproved))
	assert.False(t, engine.CanTransition(domain.StatusDraft, domain.StatusCompleted))
	for _, terminal := range []domain.Status{domain.StatusRejected, domain.StatusBlacklisted, domain.StatusCompleted} {
		for _, to := range domain.AllStatuses {
			assert.False(t, engine.CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}
