package domain

import "strings"

// Status is the closed set of application statuses.
type Status string

const (
	StatusDraft                 Status = "DRAFT"
	StatusSubmitted             Status = "SUBMITTED"
	StatusUnderReview           Status = "UNDER_REVIEW"
	StatusAgencyReview          Status = "AGENCY_REVIEW"
	StatusMinistryReview        Status = "MINISTRY_REVIEW"
	StatusPendingVerification   Status = "PENDING_VERIFICATION"
	StatusVerificationSubmitted Status = "VERIFICATION_SUBMITTED"
	StatusVerificationReceived  Status = "VERIFICATION_RECEIVED"
	StatusApproved              Status = "APPROVED"
	StatusRejected              Status = "REJECTED"
	StatusCompleted             Status = "COMPLETED"
	StatusBlacklisted           Status = "BLACKLISTED"
)

// AllStatuses lists every status in workflow order.
var AllStatuses = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusUnderReview,
	StatusAgencyReview,
	StatusMinistryReview,
	StatusPendingVerification,
	StatusVerificationSubmitted,
	StatusVerificationReceived,
	StatusApproved,
	StatusRejected,
	StatusCompleted,
	StatusBlacklisted,
}

// ParseStatus returns the status for s or false when s is not a member of the set.
func ParseStatus(s string) (Status, bool) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == candidate {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further workflow transition may leave s,
// COMPLETED being reachable only from APPROVED through the print step.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusBlacklisted, StatusCompleted:
		return true
	}
	return false
}

// Role is the caller role supplied by the identity provider.
type Role string

const (
	RoleMissionOperator Role = "MISSION_OPERATOR"
	RoleAgency          Role = "AGENCY"
	RoleMinistry        Role = "MINISTRY"
	RoleAdmin           Role = "ADMIN"
)

var AllRoles = []Role{RoleMissionOperator, RoleAgency, RoleMinistry, RoleAdmin}

func ParseRole(s string) (Role, bool) {
	candidate := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, r := range AllRoles {
		if r == candidate {
			return r, true
		}
	}
	return "", false
}

// Agency identifies a verification agency.
type Agency string

const (
	AgencyIntelligenceBureau       Agency = "INTELLIGENCE_BUREAU"
	AgencySpecialBranchPunjab      Agency = "SPECIAL_BRANCH_PUNJAB"
	AgencySpecialBranchSindh       Agency = "SPECIAL_BRANCH_SINDH"
	AgencySpecialBranchKPK         Agency = "SPECIAL_BRANCH_KPK"
	AgencySpecialBranchBalochistan Agency = "SPECIAL_BRANCH_BALOCHISTAN"
	AgencySpecialBranchFederal     Agency = "SPECIAL_BRANCH_FEDERAL"
)

// DefaultAgency is the routing fallback for unknown or absent regions.
const DefaultAgency = AgencyIntelligenceBureau

const specialBranchPrefix = "SPECIAL_BRANCH_"

// SpecialBranch returns the SPECIAL_BRANCH_<REGION> agency for a region slug.
func SpecialBranch(region string) Agency {
	return Agency(specialBranchPrefix + strings.ToUpper(strings.TrimSpace(region)))
}

// Action is a workflow operation a role may request.
type Action string

const (
	ActionCreate              Action = "create"
	ActionEdit                Action = "edit"
	ActionSubmit              Action = "submit"
	ActionPrint               Action = "print"
	ActionQC                  Action = "qc"
	ActionAgencyApprove       Action = "agency_approve"
	ActionAgencyReject        Action = "agency_reject"
	ActionSubmitVerification  Action = "submit_verification"
	ActionSendForVerification Action = "send_for_verification"
	ActionApprove             Action = "approve"
	ActionReject              Action = "reject"
	ActionBlacklist           Action = "blacklist"
	ActionSendToAgency        Action = "send_to_agency"
)

// Decision is the ministry verdict passed to the decision engine.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Citizen holds the applicant payload captured by the mission form. The
// workflow treats it as opaque data editable only while in DRAFT.
type Citizen struct {
	CitizenID       string  `json:"citizen_id"`
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	FatherName      string  `json:"father_name,omitempty"`
	MotherName      string  `json:"mother_name,omitempty"`
	Gender          string  `json:"gender,omitempty"`
	DateOfBirth     string  `json:"date_of_birth,omitempty"`
	BirthCountry    string  `json:"birth_country,omitempty"`
	BirthCity       string  `json:"birth_city,omitempty"`
	Profession      string  `json:"profession,omitempty"`
	PakistanCity    string  `json:"pakistan_city,omitempty"`
	PakistanAddress string  `json:"pakistan_address,omitempty"`
	Height          string  `json:"height,omitempty"`
	ColorOfEyes     string  `json:"color_of_eyes,omitempty"`
	ColorOfHair     string  `json:"color_of_hair,omitempty"`
	DepartureDate   string  `json:"departure_date,omitempty"`
	TransportMode   string  `json:"transport_mode,omitempty"`
	Investor        string  `json:"investor,omitempty"`
	RequestedBy     string  `json:"requested_by,omitempty"`
	ReasonForDeport string  `json:"reason_for_deport,omitempty"`
	Amount          float64 `json:"amount,omitempty"`
	Currency        string  `json:"currency,omitempty"`
	IsFIABlacklist  bool    `json:"is_fia_blacklist" required:"false"`
}

type AgencyRemark struct {
	Agency        Agency  `json:"agency"`
	Remarks       string  `json:"remarks"`
	SubmittedAt   string  `json:"submitted_at" format:"date-time"`
	AttachmentRef *string `json:"attachment_ref,omitempty"`
}

type Application struct {
	ID      string  `json:"id"`
	Status  Status  `json:"status"`
	Citizen Citizen `json:"citizen"`

	CreatedBy      string  `json:"created_by"`
	Region         string  `json:"region,omitempty"`
	AssignedAgency *Agency `json:"assigned_agency,omitempty"`
	Remarks        string  `json:"remarks,omitempty"`

	PendingVerificationAgencies   []Agency       `json:"pending_verification_agencies"`
	VerificationCompletedAgencies []Agency       `json:"verification_completed_agencies"`
	AgencyRemarks                 []AgencyRemark `json:"agency_remarks"`
	VerificationDocumentRef       *string        `json:"verification_document_ref,omitempty"`
	VerificationSentAt            *string        `json:"verification_sent_at,omitempty" format:"date-time"`
	VerificationCompletedAt       *string        `json:"verification_completed_at,omitempty" format:"date-time"`

	RejectionReason      *string `json:"rejection_reason,omitempty"`
	BlacklistReason      *string `json:"blacklist_reason,omitempty"`
	BlacklistCheckPassed bool    `json:"blacklist_check_passed"`
	ETDIssueDate         *string `json:"etd_issue_date,omitempty"`
	ETDExpiryDate        *string `json:"etd_expiry_date,omitempty"`
	ReviewedBy           *string `json:"reviewed_by,omitempty"`
	ReviewedAt           *string `json:"reviewed_at,omitempty" format:"date-time"`

	IsPrinted       bool    `json:"is_printed"`
	PrintedAt       *string `json:"printed_at,omitempty" format:"date-time"`
	SheetNo         *string `json:"sheet_no,omitempty"`
	QCFailureReason *string `json:"qc_failure_reason,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
	Version   int64  `json:"version"`
}

// FannedOut reports whether the application has ever been routed through
// the multi-agency verification protocol.
func (a Application) FannedOut() bool {
	return a.VerificationSentAt != nil || len(a.PendingVerificationAgencies) > 0 || len(a.VerificationCompletedAgencies) > 0
}

// IsPending reports whether agency still owes a verification response.
func (a Application) IsPending(agency Agency) bool {
	for _, p := range a.PendingVerificationAgencies {
		if p == agency {
			return true
		}
	}
	return false
}

// HasCompleted reports whether agency already submitted its verification.
func (a Application) HasCompleted(agency Agency) bool {
	for _, c := range a.VerificationCompletedAgencies {
		if c == agency {
			return true
		}
	}
	return false
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	ActorRole  string `json:"actor_role,omitempty"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	Region    string `json:"region,omitempty"`
	Agency    Agency `json:"agency,omitempty"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Attachment describes one stored agency attachment.
type Attachment struct {
	ApplicationID string `json:"application_id"`
	Agency        Agency `json:"agency"`
	Ref           string `json:"ref"`
	SubmittedAt   string `json:"submitted_at" format:"date-time"`
}

// Stats summarises the application population for dashboards.
type Stats struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	Today     int            `json:"today"`
	ThisWeek  int            `json:"this_week"`
	ThisMonth int            `json:"this_month"`
}
