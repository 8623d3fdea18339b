package etdsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal ETD HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Citizen is the applicant payload (partial).
type Citizen struct {
	CitizenID      string `json:"citizen_id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	FatherName     string `json:"father_name,omitempty"`
	IsFIABlacklist bool   `json:"is_fia_blacklist,omitempty"`
}

// AgencyRemark is one agency's recorded response.
type AgencyRemark struct {
	Agency        string  `json:"agency"`
	Remarks       string  `json:"remarks"`
	SubmittedAt   string  `json:"submitted_at"`
	AttachmentRef *string `json:"attachment_ref,omitempty"`
}

// Application represents the API application model (partial).
type Application struct {
	ID                            string         `json:"id"`
	Status                        string         `json:"status"`
	Citizen                       Citizen        `json:"citizen"`
	CreatedBy                     string         `json:"created_by"`
	Region                        string         `json:"region"`
	AssignedAgency                *string        `json:"assigned_agency"`
	PendingVerificationAgencies   []string       `json:"pending_verification_agencies"`
	VerificationCompletedAgencies []string       `json:"verification_completed_agencies"`
	AgencyRemarks                 []AgencyRemark `json:"agency_remarks"`
	RejectionReason               *string        `json:"rejection_reason"`
	BlacklistReason               *string        `json:"blacklist_reason"`
	ReviewedBy                    *string        `json:"reviewed_by"`
	IsPrinted                     bool           `json:"is_printed"`
	Version                       int64          `json:"version"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedApplications wraps application listings with cursors.
type PaginatedApplications struct {
	Items      []Application `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error kind
// when the body carries the standard envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Verification is a fan-out request.
type Verification struct {
	Agencies    []string
	Document    []byte
	ContentType string
	Remarks     string
}

// Review is a ministry decision. Decision is APPROVE or REJECT.
type Review struct {
	Decision        string `json:"decision"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	BlacklistFlag   bool   `json:"blacklist_flag,omitempty"`
	ETDIssueDate    string `json:"etd_issue_date,omitempty"`
	ETDExpiryDate   string `json:"etd_expiry_date,omitempty"`
	Remarks         string `json:"remarks,omitempty"`
}

// CreateApplication creates a DRAFT application.
func (c *Client) CreateApplication(ctx context.Context, citizen Citizen, region string) (Application, error) {
	body := map[string]any{"citizen": citizen}
	if region != "" {
		body["region"] = region
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications", body, &resp)
	return resp, err
}

// GetApplication fetches an application by id.
func (c *Client) GetApplication(ctx context.Context, id string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodGet, appPath(id, ""), nil, &resp)
	return resp, err
}

// ListApplications returns a page of applications matching filters, which
// are passed through as query parameters (status, region, pending_agency, ...).
func (c *Client) ListApplications(ctx context.Context, filters map[string]string, limit int, cursor string) (PaginatedApplications, error) {
	q := url.Values{}
	for k, v := range filters {
		if v != "" {
			q.Set(k, v)
		}
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedApplications
	err := c.do(ctx, http.MethodGet, withQuery("applications", q), nil, &resp)
	return resp, err
}

// Actions lists what the caller may do on the application now.
func (c *Client) Actions(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Actions []string `json:"actions"`
	}
	err := c.do(ctx, http.MethodGet, appPath(id, "actions"), nil, &resp)
	return resp.Actions, err
}

// Submit moves a DRAFT to SUBMITTED.
func (c *Client) Submit(ctx context.Context, id string) (Application, error) {
	return c.transition(ctx, http.MethodPost, id, "submit", nil)
}

// SendForVerification fans an application out to agencies.
func (c *Client) SendForVerification(ctx context.Context, id string, v Verification) (Application, error) {
	body := map[string]any{"agencies": v.Agencies}
	if len(v.Document) > 0 {
		body["verification_document"] = v.Document
	}
	if v.ContentType != "" {
		body["document_content_type"] = v.ContentType
	}
	if v.Remarks != "" {
		body["remarks"] = v.Remarks
	}
	return c.transition(ctx, http.MethodPost, id, "send-for-verification", body)
}

// SubmitVerification records the caller's agency response. agency may be
// empty for AGENCY callers.
func (c *Client) SubmitVerification(ctx context.Context, id, agency, remarks string, attachment []byte) (Application, error) {
	body := map[string]any{"remarks": remarks}
	if agency != "" {
		body["agency"] = agency
	}
	if len(attachment) > 0 {
		body["attachment"] = attachment
	}
	return c.transition(ctx, http.MethodPost, id, "submit-verification", body)
}

// Review records the ministry decision.
func (c *Client) Review(ctx context.Context, id string, r Review) (Application, error) {
	return c.transition(ctx, http.MethodPatch, id, "review", r)
}

// Blacklist blacklists the application.
func (c *Client) Blacklist(ctx context.Context, id, remarks string) (Application, error) {
	return c.transition(ctx, http.MethodPost, id, "blacklist", map[string]any{"remarks": remarks})
}

// SendToAgency routes to a single agency; an empty agency uses region routing.
func (c *Client) SendToAgency(ctx context.Context, id, agency, remarks string) (Application, error) {
	body := map[string]any{}
	if agency != "" {
		body["agency"] = agency
	}
	if remarks != "" {
		body["remarks"] = remarks
	}
	return c.transition(ctx, http.MethodPost, id, "send-to-agency", body)
}

func (c *Client) AgencyApprove(ctx context.Context, id, remarks string) (Application, error) {
	return c.transition(ctx, http.MethodPost, id, "agency-approve", map[string]any{"remarks": remarks})
}

func (c *Client) AgencyReject(ctx context.Context, id, remarks string) (Application, error) {
	return c.transition(ctx, http.MethodPost, id, "agency-reject", map[string]any{"remarks": remarks})
}

func (c *Client) Print(ctx context.Context, id, sheetNo string) (Application, error) {
	return c.transition(ctx, http.MethodPost, id, "print", map[string]any{"sheet_no": sheetNo})
}

func (c *Client) QCPass(ctx context.Context, id string) (Application, error) {
	return c.transition(ctx, http.MethodPost, id, "qc-pass", nil)
}

func (c *Client) QCFail(ctx context.Context, id, reason string) (Application, error) {
	return c.transition(ctx, http.MethodPost, id, "qc-fail", map[string]any{"reason": reason})
}

// VerificationDocument downloads the document sent to the agencies.
func (c *Client) VerificationDocument(ctx context.Context, id string) ([]byte, error) {
	return c.raw(ctx, appPath(id, "verification-document"))
}

// Attachment downloads an agency's attachment.
func (c *Client) Attachment(ctx context.Context, id, agency string) ([]byte, error) {
	return c.raw(ctx, appPath(id, "attachments/"+url.PathEscape(agency)))
}

// Events returns recent events for one application, newest first.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, id, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing; an empty id lists every
// entity's events.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if id != "" {
		endpoint = appPath(id, "events")
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(endpoint, q), nil, &resp)
	return resp, err
}

// Stats is the dashboard summary.
type Stats struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	Today     int            `json:"today"`
	ThisWeek  int            `json:"this_week"`
	ThisMonth int            `json:"this_month"`
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "dashboard/stats", nil, &resp)
	return resp, err
}

// Identity is the caller as resolved by the server.
type Identity struct {
	ActorID        string `json:"actor_id"`
	Role           string `json:"role"`
	Region         string `json:"region"`
	Agency         string `json:"agency"`
	ResolvedAgency string `json:"resolved_agency"`
	Source         string `json:"source"`
}

func (c *Client) Me(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// DevLogin mints a token on servers running with dev login enabled and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID, role, region, agency string) (string, error) {
	body := map[string]any{"actor_id": actorID, "role": role}
	if region != "" {
		body["region"] = region
	}
	if agency != "" {
		body["agency"] = agency
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) transition(ctx context.Context, method, id, action string, body any) (Application, error) {
	var resp Application
	err := c.do(ctx, method, appPath(id, action), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.send(ctx, method, endpoint, &buf, body != nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, endpoint string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, endpoint, http.NoBody, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, hasBody bool) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}
	return resp, nil
}

func appPath(id, action string) string {
	p := "applications/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
