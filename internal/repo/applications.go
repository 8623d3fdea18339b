package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"etdflow/internal/db"
	"etdflow/internal/domain"
)

const (
	agencyPending   = "pending"
	agencyCompleted = "completed"
)

const applicationColumns = `id,status,citizen_json,created_by,region,assigned_agency,remarks,
verification_document_ref,verification_sent_at,verification_completed_at,
rejection_reason,blacklist_reason,blacklist_check_passed,etd_issue_date,etd_expiry_date,reviewed_by,reviewed_at,
is_printed,printed_at,sheet_no,qc_failure_reason,created_at,updated_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (domain.Application, error) {
	var (
		a                                                 domain.Application
		citizen                                           string
		region, assigned, remarks                         sql.NullString
		docRef, sentAt, completedAt                       sql.NullString
		rejection, blacklist, issue, expiry, revBy, revAt sql.NullString
		printedAt, sheetNo, qcFailure                     sql.NullString
	)
	err := row.Scan(&a.ID, &a.Status, &citizen, &a.CreatedBy, &region, &assigned, &remarks,
		&docRef, &sentAt, &completedAt,
		&rejection, &blacklist, &a.BlacklistCheckPassed, &issue, &expiry, &revBy, &revAt,
		&a.IsPrinted, &printedAt, &sheetNo, &qcFailure, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(citizen), &a.Citizen); err != nil {
		return a, fmt.Errorf("decode citizen for %s: %w", a.ID, err)
	}
	a.Region = region.String
	a.Remarks = remarks.String
	if assigned.Valid {
		ag := domain.Agency(assigned.String)
		a.AssignedAgency = &ag
	}
	a.VerificationDocumentRef = stringPtr(docRef)
	a.VerificationSentAt = stringPtr(sentAt)
	a.VerificationCompletedAt = stringPtr(completedAt)
	a.RejectionReason = stringPtr(rejection)
	a.BlacklistReason = stringPtr(blacklist)
	a.ETDIssueDate = stringPtr(issue)
	a.ETDExpiryDate = stringPtr(expiry)
	a.ReviewedBy = stringPtr(revBy)
	a.ReviewedAt = stringPtr(revAt)
	a.PrintedAt = stringPtr(printedAt)
	a.SheetNo = stringPtr(sheetNo)
	a.QCFailureReason = stringPtr(qcFailure)
	return a, nil
}

func (r Repo) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	citizen, err := json.Marshal(a.Citizen)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO applications(id,status,citizen_id,first_name,last_name,citizen_json,created_by,region,remarks,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		a.ID, a.Status, a.Citizen.CitizenID, a.Citizen.FirstName, a.Citizen.LastName, string(citizen), a.CreatedBy,
		nullable(a.Region), nullable(a.Remarks), a.CreatedAt, a.UpdatedAt, a.Version)
	return err
}

// UpdateApplication writes every mutable column of a when the stored row
// still carries version expected, and bumps the version. A zero row count
// yields ErrStaleVersion.
func (r Repo) UpdateApplication(ctx context.Context, tx *sql.Tx, a domain.Application, expected int64) error {
	citizen, err := json.Marshal(a.Citizen)
	if err != nil {
		return err
	}
	var assigned any
	if a.AssignedAgency != nil {
		assigned = string(*a.AssignedAgency)
	}
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE applications SET
status=?, citizen_id=?, first_name=?, last_name=?, citizen_json=?, region=?, assigned_agency=?, remarks=?,
verification_document_ref=?, verification_sent_at=?, verification_completed_at=?,
rejection_reason=?, blacklist_reason=?, blacklist_check_passed=?, etd_issue_date=?, etd_expiry_date=?, reviewed_by=?, reviewed_at=?,
is_printed=?, printed_at=?, sheet_no=?, qc_failure_reason=?, updated_at=?, version=version+1
WHERE id=? AND version=?`),
		a.Status, a.Citizen.CitizenID, a.Citizen.FirstName, a.Citizen.LastName, string(citizen), nullable(a.Region), assigned, nullable(a.Remarks),
		nullableStringPtr(a.VerificationDocumentRef), nullableStringPtr(a.VerificationSentAt), nullableStringPtr(a.VerificationCompletedAt),
		nullableStringPtr(a.RejectionReason), nullableStringPtr(a.BlacklistReason), a.BlacklistCheckPassed,
		nullableStringPtr(a.ETDIssueDate), nullableStringPtr(a.ETDExpiryDate), nullableStringPtr(a.ReviewedBy), nullableStringPtr(a.ReviewedAt),
		a.IsPrinted, nullableStringPtr(a.PrintedAt), nullableStringPtr(a.SheetNo), nullableStringPtr(a.QCFailureReason), a.UpdatedAt,
		a.ID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return r.getApplication(ctx, r.DB, id, "")
}

// GetApplicationTx reads the application inside tx, locking the row on
// dialects that support it.
func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	return r.getApplication(ctx, tx, id, db.ForUpdate(r.Dialect))
}

func (r Repo) getApplication(ctx context.Context, q querier, id, lock string) (domain.Application, error) {
	a, err := scanApplication(q.QueryRowContext(ctx, r.q(`SELECT `+applicationColumns+` FROM applications WHERE id=?`+lock), id))
	if err != nil {
		return a, err
	}
	if err := r.loadVerification(ctx, q, &a); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) loadVerification(ctx context.Context, q querier, a *domain.Application) error {
	rows, err := q.QueryContext(ctx, r.q(`SELECT agency,state FROM application_agencies WHERE application_id=? ORDER BY position`), a.ID)
	if err != nil {
		return err
	}
	a.PendingVerificationAgencies = []domain.Agency{}
	a.VerificationCompletedAgencies = []domain.Agency{}
	for rows.Next() {
		var agency, state string
		if err := rows.Scan(&agency, &state); err != nil {
			rows.Close()
			return err
		}
		if state == agencyPending {
			a.PendingVerificationAgencies = append(a.PendingVerificationAgencies, domain.Agency(agency))
		} else {
			a.VerificationCompletedAgencies = append(a.VerificationCompletedAgencies, domain.Agency(agency))
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	remarks, err := r.listRemarks(ctx, q, a.ID)
	if err != nil {
		return err
	}
	a.AgencyRemarks = remarks
	return nil
}

func (r Repo) listRemarks(ctx context.Context, q querier, applicationID string) ([]domain.AgencyRemark, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT agency,remarks,submitted_at,attachment_ref FROM agency_remarks WHERE application_id=? ORDER BY position`), applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AgencyRemark{}
	for rows.Next() {
		var rm domain.AgencyRemark
		var ref sql.NullString
		if err := rows.Scan(&rm.Agency, &rm.Remarks, &rm.SubmittedAt, &ref); err != nil {
			return nil, err
		}
		rm.AttachmentRef = stringPtr(ref)
		res = append(res, rm)
	}
	return res, rows.Err()
}

// ReplacePendingAgencies arms a fresh verification round: every listed
// agency becomes pending and nothing from a prior round survives.
func (r Repo) ReplacePendingAgencies(ctx context.Context, tx *sql.Tx, applicationID string, agencies []domain.Agency) error {
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM application_agencies WHERE application_id=?`), applicationID); err != nil {
		return err
	}
	for i, agency := range agencies {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO application_agencies(application_id,agency,state,position) VALUES (?,?,?,?)`),
			applicationID, string(agency), agencyPending, i+1); err != nil {
			return fmt.Errorf("insert pending agency %s: %w", agency, err)
		}
	}
	return nil
}

// CompletePendingAgency moves agency from pending to completed only when it
// is still pending. It reports whether this call performed the move.
func (r Repo) CompletePendingAgency(ctx context.Context, tx *sql.Tx, applicationID string, agency domain.Agency) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE application_agencies SET state=? WHERE application_id=? AND agency=? AND state=?`),
		agencyCompleted, applicationID, string(agency), agencyPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountPendingAgencies(ctx context.Context, tx *sql.Tx, applicationID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM application_agencies WHERE application_id=? AND state=?`), applicationID, agencyPending).Scan(&n)
	return n, err
}

// UpsertAgencyRemark records the remark for rm.Agency. A later remark from
// the same agency replaces the earlier one in place.
func (r Repo) UpsertAgencyRemark(ctx context.Context, tx *sql.Tx, applicationID string, rm domain.AgencyRemark) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO agency_remarks(application_id,agency,remarks,attachment_ref,submitted_at,position)
VALUES (?,?,?,?,?,(SELECT COALESCE(MAX(position),0)+1 FROM agency_remarks WHERE application_id=?))
ON CONFLICT(application_id,agency) DO UPDATE SET remarks=excluded.remarks, attachment_ref=excluded.attachment_ref, submitted_at=excluded.submitted_at`),
		applicationID, string(rm.Agency), rm.Remarks, nullableStringPtr(rm.AttachmentRef), rm.SubmittedAt, applicationID)
	return err
}

// ListAttachments returns the agency attachments stored for an application.
func (r Repo) ListAttachments(ctx context.Context, applicationID string) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT agency,attachment_ref,submitted_at FROM agency_remarks WHERE application_id=? AND attachment_ref IS NOT NULL ORDER BY position`), applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Attachment{}
	for rows.Next() {
		att := domain.Attachment{ApplicationID: applicationID}
		if err := rows.Scan(&att.Agency, &att.Ref, &att.SubmittedAt); err != nil {
			return nil, err
		}
		res = append(res, att)
	}
	return res, rows.Err()
}

// ApplicationFilters narrows application listings. Zero values mean no filter.
type ApplicationFilters struct {
	// Statuses matches any of the listed statuses.
	Statuses       []string
	Region         string
	CreatedBy      string
	PendingAgency  string
	AssignedAgency string
	// Search matches citizen id, first name or last name, case-insensitively.
	Search  string
	Printed *bool
	Limit   int

	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListApplications(ctx context.Context, f ApplicationFilters) ([]domain.Application, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Region != "" {
		clauses = append(clauses, "LOWER(region)=?")
		args = append(args, strings.ToLower(f.Region))
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.AssignedAgency != "" {
		clauses = append(clauses, "assigned_agency=?")
		args = append(args, f.AssignedAgency)
	}
	if f.PendingAgency != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM application_agencies aa WHERE aa.application_id=applications.id AND aa.agency=? AND aa.state=?)")
		args = append(args, f.PendingAgency, agencyPending)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		clauses = append(clauses, "(LOWER(citizen_id) LIKE ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ?)")
		args = append(args, like, like, like)
	}
	if f.Printed != nil {
		clauses = append(clauses, "is_printed=?")
		args = append(args, *f.Printed)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, a)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := r.loadVerification(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ApplicationStats counts applications by status and by creation window
// relative to now.
func (r Repo) ApplicationStats(ctx context.Context, now time.Time) (domain.Stats, error) {
	stats := domain.Stats{ByStatus: map[string]int{}}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM applications GROUP BY status`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Close(); err != nil {
		return stats, err
	}
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	week := day.AddDate(0, 0, -int((day.Weekday()+6)%7))
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	windows := []struct {
		since time.Time
		dst   *int
	}{
		{day, &stats.Today},
		{week, &stats.ThisWeek},
		{month, &stats.ThisMonth},
	}
	for _, w := range windows {
		if err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM applications WHERE created_at >= ?`), w.since.Format(time.RFC3339)).Scan(w.dst); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
