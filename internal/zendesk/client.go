// Package zendesk is the outbound adapter for the Zendesk Support REST API.
//
// Every mutating call the sync engine makes carries a deterministic
// Idempotency-Key header derived from the Slack (channel, message ts) pair,
// so a retried queue delivery can never create a second ticket or comment.
// The one piece of interpretation done here is the needs-follow-up signal:
// appending to a closed or deleted ticket is surfaced as ErrTicketClosed
// rather than a generic failure, because the sync engine has an explicit
// branch for it (create a follow-up ticket and re-link the conversation).
package zendesk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrTicketClosed signals that a comment append targeted a ticket that is
// closed or deleted. Not a failure: the caller creates a follow-up ticket.
var ErrTicketClosed = errors.New("zendesk ticket closed")

// APIError is a non-2xx response from the Zendesk API.
type APIError struct {
	Op     string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zendesk %s: status %d: %s", e.Op, e.Status, e.Detail)
}

// Credentials identifies one Zendesk account. Decrypted per invocation and
// passed per call; never cached across invocations.
type Credentials struct {
	Domain string // e.g. "acme" for acme.zendesk.com
	Email  string
	APIKey string
}

// Client calls the Zendesk Support API. One instance serves all connections;
// credentials are supplied per call.
type Client struct {
	http *resty.Client

	// baseURLOverride points all requests at a test server when non-empty.
	baseURLOverride string
}

// NewClient builds a Client with sane HTTP defaults. baseURL overrides the
// per-domain URL for tests; pass "" for production.
func NewClient(baseURL string) *Client {
	rc := resty.New().
		SetTimeout(20 * time.Second).
		SetHeader("User-Agent", "ticket-bridge/1.0").
		SetHeader("Content-Type", "application/json")
	return &Client{http: rc, baseURLOverride: baseURL}
}

func (c *Client) url(creds Credentials, path string) string {
	if c.baseURLOverride != "" {
		return c.baseURLOverride + path
	}
	return fmt.Sprintf("https://%s.zendesk.com%s", creds.Domain, path)
}

func (c *Client) request(ctx context.Context, creds Credentials) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetBasicAuth(creds.Email+"/token", creds.APIKey)
}

// Ticket is the subset of a Zendesk ticket the sync engine reads back.
type Ticket struct {
	ID     int64    `json:"id"`
	Status string   `json:"status"`
	Tags   []string `json:"tags,omitempty"`
}

// Comment is a ticket comment payload.
type Comment struct {
	Body    string   `json:"body"`
	Public  bool     `json:"public"`
	Uploads []string `json:"uploads,omitempty"`
}

// CreateTicketParams carries everything needed to open a ticket for a new
// Slack thread. ExternalID is the random correlating id the webhook echoes
// back; FollowUpSourceID marks the ticket as a follow-up of a closed one.
type CreateTicketParams struct {
	Subject          string
	Comment          Comment
	RequesterID      int64
	ExternalID       string
	Tags             []string
	AssigneeEmail    string
	FollowUpSourceID int64

	// IdempotencyKey is required; derived from (channel id, message ts).
	IdempotencyKey string
}

type ticketEnvelope struct {
	Ticket *Ticket `json:"ticket"`
}

type createTicketBody struct {
	Ticket struct {
		Subject           string   `json:"subject"`
		Comment           Comment  `json:"comment"`
		RequesterID       int64    `json:"requester_id,omitempty"`
		ExternalID        string   `json:"external_id,omitempty"`
		Tags              []string `json:"tags,omitempty"`
		AssigneeEmail     string   `json:"assignee_email,omitempty"`
		ViaFollowupSource int64    `json:"via_followup_source_id,omitempty"`
	} `json:"ticket"`
}

// CreateTicket opens a new ticket and returns it. Idempotent on the provided
// key: a redelivered create returns the original ticket instead of a second
// one.
func (c *Client) CreateTicket(ctx context.Context, creds Credentials, p CreateTicketParams) (*Ticket, error) {
	var body createTicketBody
	body.Ticket.Subject = p.Subject
	body.Ticket.Comment = p.Comment
	body.Ticket.RequesterID = p.RequesterID
	body.Ticket.ExternalID = p.ExternalID
	body.Ticket.Tags = p.Tags
	body.Ticket.AssigneeEmail = p.AssigneeEmail
	body.Ticket.ViaFollowupSource = p.FollowUpSourceID

	var out ticketEnvelope
	resp, err := c.request(ctx, creds).
		SetHeader("Idempotency-Key", p.IdempotencyKey).
		SetBody(&body).
		SetResult(&out).
		Post(c.url(creds, "/api/v2/tickets.json"))
	if err != nil {
		return nil, fmt.Errorf("zendesk create ticket: %w", err)
	}
	if resp.IsError() || out.Ticket == nil {
		return nil, &APIError{Op: "create ticket", Status: resp.StatusCode(), Detail: truncateBody(resp)}
	}
	return out.Ticket, nil
}

type updateTicketBody struct {
	Ticket struct {
		Comment *Comment `json:"comment,omitempty"`
		Status  string   `json:"status,omitempty"`
	} `json:"ticket"`
}

// AddComment appends a comment to an existing ticket, idempotent on key.
// Returns ErrTicketClosed when the ticket is closed or gone, which the sync
// engine resolves by creating a follow-up ticket.
func (c *Client) AddComment(ctx context.Context, creds Credentials, ticketID int64, comment Comment, idempotencyKey string) (*Ticket, error) {
	var body updateTicketBody
	body.Ticket.Comment = &comment

	var out ticketEnvelope
	resp, err := c.request(ctx, creds).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(&body).
		SetResult(&out).
		Put(c.url(creds, fmt.Sprintf("/api/v2/tickets/%d.json", ticketID)))
	if err != nil {
		return nil, fmt.Errorf("zendesk add comment: %w", err)
	}
	if closedTicketResponse(resp) {
		return nil, ErrTicketClosed
	}
	if resp.IsError() || out.Ticket == nil {
		return nil, &APIError{Op: "add comment", Status: resp.StatusCode(), Detail: truncateBody(resp)}
	}
	if out.Ticket.Status == "closed" {
		return nil, ErrTicketClosed
	}
	return out.Ticket, nil
}

// SolveTicket transitions a ticket toward closed (status "solved"), used
// when the root Slack message of its thread is deleted. Best-effort on an
// already-closed ticket.
func (c *Client) SolveTicket(ctx context.Context, creds Credentials, ticketID int64, comment *Comment) error {
	var body updateTicketBody
	body.Ticket.Status = "solved"
	body.Ticket.Comment = comment

	resp, err := c.request(ctx, creds).
		SetBody(&body).
		Put(c.url(creds, fmt.Sprintf("/api/v2/tickets/%d.json", ticketID)))
	if err != nil {
		return fmt.Errorf("zendesk solve ticket: %w", err)
	}
	if closedTicketResponse(resp) {
		return nil
	}
	if resp.IsError() {
		return &APIError{Op: "solve ticket", Status: resp.StatusCode(), Detail: truncateBody(resp)}
	}
	return nil
}

// ZendeskUser is the subset of a user object the engine needs.
type ZendeskUser struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	ExternalID string `json:"external_id,omitempty"`
}

type userEnvelope struct {
	User *ZendeskUser `json:"user"`
}

type upsertUserBody struct {
	User struct {
		Name       string `json:"name"`
		ExternalID string `json:"external_id"`
		Email      string `json:"email,omitempty"`
	} `json:"user"`
}

// CreateOrUpdateUser upserts the Zendesk counterpart of a Slack user. The
// external id is derived deterministically from the Slack user id, so
// repeated calls converge on one Zendesk user.
func (c *Client) CreateOrUpdateUser(ctx context.Context, creds Credentials, name, externalID, email string) (*ZendeskUser, error) {
	var body upsertUserBody
	body.User.Name = name
	body.User.ExternalID = externalID
	body.User.Email = email

	var out userEnvelope
	resp, err := c.request(ctx, creds).
		SetBody(&body).
		SetResult(&out).
		Post(c.url(creds, "/api/v2/users/create_or_update.json"))
	if err != nil {
		return nil, fmt.Errorf("zendesk upsert user: %w", err)
	}
	if resp.IsError() || out.User == nil {
		return nil, &APIError{Op: "upsert user", Status: resp.StatusCode(), Detail: truncateBody(resp)}
	}
	return out.User, nil
}

type uploadEnvelope struct {
	Upload struct {
		Token string `json:"token"`
	} `json:"upload"`
}

// UploadFile streams file bytes to Zendesk and returns the attachment token
// to reference in a subsequent comment.
func (c *Client) UploadFile(ctx context.Context, creds Credentials, filename string, data []byte) (string, error) {
	var out uploadEnvelope
	resp, err := c.request(ctx, creds).
		SetHeader("Content-Type", "application/binary").
		SetQueryParam("filename", filename).
		SetBody(data).
		SetResult(&out).
		Post(c.url(creds, "/api/v2/uploads.json"))
	if err != nil {
		return "", fmt.Errorf("zendesk upload: %w", err)
	}
	if resp.IsError() || out.Upload.Token == "" {
		return "", &APIError{Op: "upload", Status: resp.StatusCode(), Detail: truncateBody(resp)}
	}
	return out.Upload.Token, nil
}

// closedTicketResponse detects the closed/deleted signal on an update:
// Zendesk answers 404 for deleted tickets and 422 with a status-related
// detail for closed ones.
func closedTicketResponse(resp *resty.Response) bool {
	switch resp.StatusCode() {
	case 404:
		return true
	case 422:
		low := strings.ToLower(string(resp.Body()))
		return strings.Contains(low, "closed") || strings.Contains(low, "status")
	}
	return false
}

// truncateBody keeps error details log-friendly.
func truncateBody(resp *resty.Response) string {
	b := resp.Body()
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}
