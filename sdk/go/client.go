package signoffsdk

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

// Client is a minimal Signoff HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client for the /v1 API.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Field is one entry of a category form schema (partial).
type Field struct {
	Name        string         `json:"name"`
	Label       string         `json:"label,omitempty"`
	Type        string         `json:"type"`
	Required    bool           `json:"required,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

type Category struct {
	ID                string  `json:"id"`
	Code              string  `json:"code"`
	Name              string  `json:"name"`
	Fields            []Field `json:"fields"`
	DefaultTemplateID *string `json:"default_template_id,omitempty"`
	OwnerRole         string  `json:"owner_role,omitempty"`
	Active            bool    `json:"active"`
}

type Slot struct {
	UserID   string `json:"user_id"`
	Required *bool  `json:"required,omitempty"`
	Order    int    `json:"order,omitempty"`
}

// Stage is a stage to create. Slots default to required, ordered as listed.
type Stage struct {
	Type  string `json:"type"`
	Mode  string `json:"mode,omitempty"`
	Slots []Slot `json:"slots"`
}

type TemplateStage struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Mode  string `json:"mode"`
	Slots []Slot `json:"slots"`
}

type Template struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	CategoryID      *string         `json:"category_id,omitempty"`
	IsDefault       bool            `json:"is_default"`
	Active          bool            `json:"active"`
	AgreementPolicy string          `json:"agreement_policy"`
	Stages          []TemplateStage `json:"stages"`
}

// NewTemplate is the body of CreateTemplate.
type NewTemplate struct {
	Name            string  `json:"name"`
	CategoryID      string  `json:"category_id,omitempty"`
	IsDefault       bool    `json:"is_default,omitempty"`
	AgreementPolicy string  `json:"agreement_policy,omitempty"`
	Stages          []Stage `json:"stages"`
}

type Member struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name,omitempty"`
	ManagerID    *string  `json:"manager_id,omitempty"`
	DepartmentID string   `json:"department_id,omitempty"`
	Level        int      `json:"level,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Active       *bool    `json:"active,omitempty"`
}

type Decision struct {
	ApproverID string  `json:"approver_id"`
	Decision   string  `json:"decision"`
	Source     string  `json:"source,omitempty"`
	DecidedAt  *string `json:"decided_at,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

type StageState struct {
	Index     int        `json:"index"`
	Type      string     `json:"type"`
	Mode      string     `json:"mode"`
	Slots     []Slot     `json:"slots"`
	Status    string     `json:"status"`
	Decisions []Decision `json:"decisions"`
}

// Request is a submitted approval request.
type Request struct {
	ID              string         `json:"id"`
	CategoryID      string         `json:"category_id"`
	CategoryCode    string         `json:"category_code"`
	RequesterID     string         `json:"requester_id"`
	TemplateID      *string        `json:"template_id,omitempty"`
	RouteSource     string         `json:"route_source"`
	Payload         map[string]any `json:"payload"`
	Stages          []StageState   `json:"stages"`
	CurrentStage    int            `json:"current_stage"`
	Status          string         `json:"status"`
	AgreementPolicy string         `json:"agreement_policy"`
	Version         int            `json:"version"`
	SubmittedAt     string         `json:"submitted_at"`
	CompletedAt     *string        `json:"completed_at,omitempty"`
}

// Submission is the body of Submit. Set CategoryID or CategoryCode.
type Submission struct {
	CategoryID   string         `json:"category_id,omitempty"`
	CategoryCode string         `json:"category_code,omitempty"`
	TemplateID   string         `json:"template_id,omitempty"`
	Payload      map[string]any `json:"payload"`
	Route        *Route         `json:"route,omitempty"`
}

// Route is a one-off route used instead of a template.
type Route struct {
	Stages          []Stage `json:"stages"`
	AgreementPolicy string  `json:"agreement_policy,omitempty"`
}

type PendingItem struct {
	ID           string `json:"id"`
	CategoryCode string `json:"category_code"`
	RequesterID  string `json:"requester_id"`
	Status       string `json:"status"`
	StageIndex   int    `json:"stage_index"`
	StageType    string `json:"stage_type"`
	SubmittedAt  string `json:"submitted_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// APIError wraps non-2xx responses. Code and Message come from the
// {"error":{...}} envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RequestPage is one page of ListRequests.
type RequestPage struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// EventPage is one page of EventsPage.
type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListFilter narrows ListRequests.
type ListFilter struct {
	RequesterID string
	CategoryID  string
	Status      string
	Limit       int
	Cursor      string
}

// DevLogin mints a bearer token on servers started with dev login and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"actor_id": actorID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) CreateCategory(ctx context.Context, code, name string, fields []Field) (Category, error) {
	body := map[string]any{"code": code, "name": name, "fields": fields}
	var resp Category
	err := c.do(ctx, http.MethodPost, "categories", body, &resp)
	return resp, err
}

// GetCategory accepts an id or a code.
func (c *Client) GetCategory(ctx context.Context, ref string) (Category, error) {
	var resp Category
	err := c.do(ctx, http.MethodGet, "categories/"+url.PathEscape(ref), nil, &resp)
	return resp, err
}

func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var resp struct {
		Items []Category `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "categories", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateTemplate(ctx context.Context, t NewTemplate) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPost, "templates", t, &resp)
	return resp, err
}

func (c *Client) UpsertMember(ctx context.Context, m Member) (Member, error) {
	id := m.ID
	m.ID = ""
	var resp Member
	err := c.do(ctx, http.MethodPut, "directory/members/"+url.PathEscape(id), m, &resp)
	return resp, err
}

// Submit files a request as the authenticated caller.
func (c *Client) Submit(ctx context.Context, s Submission) (Request, error) {
	if s.Payload == nil {
		s.Payload = map[string]any{}
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", s, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListRequests(ctx context.Context, f ListFilter) (RequestPage, error) {
	q := url.Values{}
	setQuery(q, "requester_id", f.RequesterID)
	setQuery(q, "category_id", f.CategoryID)
	setQuery(q, "status", f.Status)
	setQuery(q, "cursor", f.Cursor)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp RequestPage
	err := c.do(ctx, http.MethodGet, withQuery("requests", q), nil, &resp)
	return resp, err
}

// Approve records an APPROVED decision for the caller's slot.
func (c *Client) Approve(ctx context.Context, id, comment string) (Request, error) {
	return c.Decide(ctx, id, "APPROVED", nil, comment)
}

func (c *Client) Reject(ctx context.Context, id, comment string) (Request, error) {
	return c.Decide(ctx, id, "REJECTED", nil, comment)
}

// Decide records a decision; stageIndex nil targets the current stage.
func (c *Client) Decide(ctx context.Context, id, decision string, stageIndex *int, comment string) (Request, error) {
	body := map[string]any{"decision": decision}
	if stageIndex != nil {
		body["stage_index"] = *stageIndex
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/decisions", body, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Pending lists requests waiting on the caller.
func (c *Client) Pending(ctx context.Context) ([]PendingItem, error) {
	var resp struct {
		Items []PendingItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "approvals/pending", nil, &resp)
	return resp.Items, err
}

func (c *Client) History(ctx context.Context, id string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (EventPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	setQuery(q, "cursor", cursor)
	var resp EventPage
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
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
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details any    `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
