package server

import (
	"etdflow/internal/domain"
)

// Request payloads

type CreateApplicationRequest struct {
	Citizen domain.Citizen `json:"citizen"`
	Region  string         `json:"region,omitempty"`
	Remarks string         `json:"remarks,omitempty"`
}

type EditApplicationRequest struct {
	Citizen *domain.Citizen `json:"citizen,omitempty"`
	Region  *string         `json:"region,omitempty"`
	Remarks *string         `json:"remarks,omitempty"`
}

type SendForVerificationRequest struct {
	Agencies []string `json:"agencies"`
	// VerificationDocument is the base64-encoded document sent to every agency.
	VerificationDocument []byte `json:"verification_document,omitempty"`
	DocumentContentType  string `json:"document_content_type,omitempty"`
	Remarks              string `json:"remarks,omitempty"`
}

type SubmitVerificationRequest struct {
	Agency                string `json:"agency,omitempty" doc:"Required for ADMIN callers"`
	Remarks               string `json:"remarks,omitempty"`
	Attachment            []byte `json:"attachment,omitempty"`
	AttachmentContentType string `json:"attachment_content_type,omitempty"`
}

type ReviewRequest struct {
	Decision        string `json:"decision" enum:"APPROVE,REJECT,approve,reject"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	BlacklistFlag   bool   `json:"blacklist_flag,omitempty"`
	ETDIssueDate    string `json:"etd_issue_date,omitempty"`
	ETDExpiryDate   string `json:"etd_expiry_date,omitempty"`
	Remarks         string `json:"remarks,omitempty"`
}

type MinistryApproveRequest struct {
	BlacklistFlag bool   `json:"blacklist_flag,omitempty"`
	ETDIssueDate  string `json:"etd_issue_date,omitempty"`
	ETDExpiryDate string `json:"etd_expiry_date,omitempty"`
	Remarks       string `json:"remarks,omitempty"`
}

type MinistryRejectRequest struct {
	RejectionReason string `json:"rejection_reason,omitempty"`
	Remarks         string `json:"remarks,omitempty"`
}

type BlacklistRequest struct {
	Remarks string `json:"remarks,omitempty"`
}

type SendToAgencyRequest struct {
	Agency  string `json:"agency,omitempty"`
	Region  string `json:"region,omitempty"`
	Remarks string `json:"remarks,omitempty"`
}

type AgencyDecisionRequest struct {
	Agency  string `json:"agency,omitempty"`
	Remarks string `json:"remarks,omitempty"`
}

type PrintRequest struct {
	SheetNo string `json:"sheet_no,omitempty"`
}

type QCFailRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"MISSION_OPERATOR,AGENCY,MINISTRY,ADMIN"`
	Region  string `json:"region,omitempty"`
	Agency  string `json:"agency,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Region  string `json:"region,omitempty"`
	Agency  string `json:"agency,omitempty"`
	// ResolvedAgency is the agency slot an AGENCY caller answers for.
	ResolvedAgency string `json:"resolved_agency,omitempty"`
	Source         string `json:"source"`
}

type ActionsResponse struct {
	ApplicationID string   `json:"application_id"`
	Status        string   `json:"status"`
	Actions       []string `json:"actions"`
}

type paginatedApplications struct {
	Items      []domain.Application `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func agencies(in []string) []domain.Agency {
	out := make([]domain.Agency, 0, len(in))
	for _, a := range in {
		out = append(out, agencyParam(a))
	}
	return out
}

func actionNames(in []domain.Action) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, string(a))
	}
	return out
}
