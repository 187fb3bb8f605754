package presslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pressline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set; the server must allow it.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Edition represents the API edition model (partial).
type Edition struct {
	ID            string        `json:"id"`
	BrandID       string        `json:"brand_id"`
	Name          string        `json:"name"`
	Status        string        `json:"status"`
	ChainStarted  bool          `json:"chain_started"`
	PrintApproval PrintApproval `json:"print_approval"`
}

type PrintApproval struct {
	Pending           bool       `json:"pending"`
	SalesApproved     bool       `json:"sales_approved"`
	EditorialApproved bool       `json:"editorial_approved"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID         string     `json:"id"`
	EditionID  string     `json:"edition_id"`
	Department string     `json:"department"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	AssigneeID *string    `json:"assignee_id,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	Priority   string     `json:"priority"`
	Automated  bool       `json:"automated"`
}

type ScheduledAction struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	TaskID    string         `json:"task_id,omitempty"`
	EditionID string         `json:"edition_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	FireAt    time.Time      `json:"fire_at"`
	Status    string         `json:"status"`
}

// AutomationStatus is the automation view of one tracked edition.
type AutomationStatus struct {
	Edition        Edition `json:"edition"`
	Context        struct {
		Status    string    `json:"status"`
		StartedBy string    `json:"started_by"`
		StartedAt time.Time `json:"started_at"`
	} `json:"context"`
	AutomatedTasks []Task            `json:"automated_tasks"`
	PendingActions []ScheduledAction `json:"pending_actions"`
}

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Priority  string    `json:"priority"`
	TaskID    string    `json:"task_id,omitempty"`
	EditionID string    `json:"edition_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EditionID  string         `json:"edition_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// TaskInput is the body of CreateTask.
type TaskInput struct {
	EditionID   string     `json:"edition_id"`
	Department  string     `json:"department"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Priority    string     `json:"priority,omitempty"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Login exchanges a user id for a token through the dev login endpoint and keeps it on the client.
func (c *Client) Login(ctx context.Context, userID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]string{"user_id": userID}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

func (c *Client) CreateEdition(ctx context.Context, id, brandID, name string) (Edition, error) {
	var resp Edition
	err := c.do(ctx, http.MethodPost, "editions", map[string]string{"id": id, "brand_id": brandID, "name": name}, &resp)
	return resp, err
}

func (c *Client) GetEdition(ctx context.Context, id string) (Edition, error) {
	var resp Edition
	err := c.do(ctx, http.MethodGet, "editions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Launch requests launch of an edition. A nil date means now.
func (c *Client) Launch(ctx context.Context, editionID string, date *time.Time, notes string) (Edition, error) {
	body := map[string]any{"notes": notes}
	if date != nil {
		body["launch_date"] = date.UTC()
	}
	var resp Edition
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("editions/%s/launch", url.PathEscape(editionID)), body, &resp)
	return resp, err
}

func (c *Client) SignOff(ctx context.Context, editionID, comments string) (Edition, error) {
	var resp Edition
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("editions/%s/sign-off", url.PathEscape(editionID)), map[string]string{"comments": comments}, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition moves a task to status through its department workflow.
func (c *Client) Transition(ctx context.Context, taskID, status, comment string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/transition", url.PathEscape(taskID)), map[string]string{"status": status, "comment": comment}, &resp)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, taskID, assigneeID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/assign", url.PathEscape(taskID)), map[string]string{"assignee_id": assigneeID}, &resp)
	return resp, err
}

func (c *Client) AutomationStatus(ctx context.Context, editionID string) (AutomationStatus, error) {
	var resp AutomationStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("editions/%s/automation", url.PathEscape(editionID)), nil, &resp)
	return resp, err
}

func (c *Client) RequestPrintApproval(ctx context.Context, editionID, comments string) (Edition, error) {
	var resp Edition
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("editions/%s/print-approval", url.PathEscape(editionID)), map[string]string{"comments": comments}, &resp)
	return resp, err
}

// ApprovePrint records the approval of department ("Sales" or "Editorial").
func (c *Client) ApprovePrint(ctx context.Context, editionID, department string) (Edition, error) {
	var resp Edition
	endpoint := fmt.Sprintf("editions/%s/print-approval/%s", url.PathEscape(editionID), url.PathEscape(department))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
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
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
