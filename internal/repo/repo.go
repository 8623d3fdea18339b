package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"etdflow/internal/config"
	"etdflow/internal/db"
	"etdflow/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion is returned by conditional updates whose expected
	// version no longer matches the stored row.
	ErrStaleVersion = errors.New("stale version")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, the pool otherwise. Reads that belong to a
// mutation must go through its tx: SQLite runs on a single connection.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// UpsertConfig validates and stores cfg under its service id.
func (r Repo) UpsertConfig(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO settings(id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`), cfg.Service.ID, string(payload), now, now)
	return err
}

func (r Repo) GetConfig(ctx context.Context, serviceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT config_json FROM settings WHERE id=?`), serviceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Service.ID == "" {
		cfg.Service.ID = serviceID
	}
	return &cfg, cfg.Validate()
}

// EventFilters narrows event listings. Zero values mean no filter.
type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	// Cursor returns events older than this id.
	Cursor int64
	Limit  int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, eventColumns)
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(actor_role,''),COALESCE(from_status,''),COALESCE(to_status,''),payload_json`

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.ActorRole, &e.FromStatus, &e.ToStatus, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
