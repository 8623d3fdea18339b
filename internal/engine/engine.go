package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"etdflow/internal/blob"
	"etdflow/internal/config"
	"etdflow/internal/db"
	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/events"
	"etdflow/internal/logger"
	"etdflow/internal/metrics"
	"etdflow/internal/repo"
)

const entityApplication = "application"

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Router  auth.Router
	Blobs   blob.Store
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Events: events.Writer{DB: conn, Dialect: dialect},
		Config: cfg,
		Router: auth.NewRouter(cfg),
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	return logger.OrNop(e.Log)
}

// knownAgency checks agency against the configured catalog, or the built-in
// enumeration when no config is loaded.
func (e Engine) knownAgency(agency domain.Agency) bool {
	if e.Config != nil && len(e.Config.Agencies.Catalog) > 0 {
		return e.Config.KnownAgency(string(agency))
	}
	switch agency {
	case domain.AgencyIntelligenceBureau,
		domain.AgencySpecialBranchPunjab,
		domain.AgencySpecialBranchSindh,
		domain.AgencySpecialBranchKPK,
		domain.AgencySpecialBranchBalochistan,
		domain.AgencySpecialBranchFederal:
		return true
	}
	return false
}

// mutation is the body of a status-mutating operation. It runs against the
// locked, freshly read application inside the transaction, validates, and
// edits app in place. The returned entry names the audit event; the caller
// fills in identity and status fields.
type mutation func(tx *sql.Tx, app *domain.Application) (events.Entry, error)

// apply runs one atomic read-validate-write cycle: read the row (locked on
// Postgres), run fn, write back under the version read, append the audit
// event and commit. Any error rolls the whole cycle back.
func (e Engine) apply(ctx context.Context, op, id string, p auth.Principal, fn mutation) (domain.Application, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	app, err := e.Repo.GetApplicationTx(ctx, tx, id)
	if err != nil {
		return domain.Application{}, fmt.Errorf("application %s: %w", id, err)
	}
	expected := app.Version
	from := app.Status

	entry, err := fn(tx, &app)
	if err != nil {
		return domain.Application{}, err
	}
	app.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateApplication(ctx, tx, app, expected); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.Application{}, fmt.Errorf("%w: application %s changed concurrently", ErrConflictingUpdate, id)
		}
		return domain.Application{}, fmt.Errorf("update application %s: %w", id, err)
	}
	entry.EntityKind = entityApplication
	entry.EntityID = app.ID
	entry.ActorID = p.ActorID
	entry.ActorRole = string(p.Role)
	entry.From = string(from)
	entry.To = string(app.Status)
	if err := e.Events.Append(ctx, tx, entry); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	app.Version = expected + 1

	if from != app.Status {
		e.Metrics.IncTransition(string(from), string(app.Status))
	}
	e.log().Info("application updated",
		zap.String("operation", op),
		zap.String("application_id", app.ID),
		zap.String("from", string(from)),
		zap.String("to", string(app.Status)),
		zap.String("actor_id", p.ActorID),
		zap.String("role", string(p.Role)),
	)
	return app, nil
}

// track records the outcome of one public operation. Use it deferred with
// the operation's named error result.
func (e Engine) track(op string, start time.Time, err *error) {
	e.Metrics.ObserveOperation(op, Kind(*err), start)
}

// load reads the application outside any transaction. Operations that write
// blobs use it to validate before the write so invalid requests never
// touch the blob store.
func (e Engine) load(ctx context.Context, id string) (domain.Application, error) {
	app, err := e.Repo.GetApplication(ctx, id)
	if err != nil {
		return domain.Application{}, fmt.Errorf("application %s: %w", id, err)
	}
	return app, nil
}

// putBlob stores data under key. An empty payload stores nothing and
// returns an empty key.
func (e Engine) putBlob(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	if e.Blobs == nil {
		return "", errors.New("blob store not configured")
	}
	if err := e.Blobs.Put(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	return key, nil
}

// discardBlob removes a blob whose owning mutation did not commit.
func (e Engine) discardBlob(ctx context.Context, key string) {
	if key == "" || e.Blobs == nil {
		return
	}
	if err := e.Blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		e.log().Warn("discard orphaned blob", zap.String("key", key), zap.Error(err))
	}
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(field, "is required")
	}
	return nil
}
