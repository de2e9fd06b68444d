// Package slack - Web API client.
//
// Thin outbound adapter over the Slack Web API methods the service uses:
// chat.postMessage (threaded replies with display-name/avatar overrides),
// users.lookupByEmail and users.info (agent identity resolution),
// chat.getPermalink (ticket-body backlinks), and files.info. No retry logic
// lives here; failures surface as errors and the queue transport retries.
package slack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultBaseURL = "https://slack.com/api"

// APIError is a non-ok response from the Slack Web API. Slack reports
// failures as 200s with {"ok":false,"error":"..."}, so the method name is
// carried for context.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

// ErrUserNotFound is returned by LookupUserByEmail when no Slack user
// matches the email. Callers fall back to posting without an identity
// override.
var ErrUserNotFound = errors.New("slack user not found")

// Client calls the Slack Web API. Tokens are per-workspace and passed per
// call; one Client instance serves all connections.
type Client struct {
	http *resty.Client
}

// NewClient builds a Client with sane HTTP defaults. baseURL is overridable
// for tests; pass "" for the real API.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("User-Agent", "ticket-bridge/1.0")
	return &Client{http: rc}
}

// PostMessageParams are the arguments to chat.postMessage. ThreadTS targets
// a threaded reply; Username/IconURL override the bot's display identity so
// relayed agent comments show the agent, not the bot.
type PostMessageParams struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

// PostMessage posts a message and returns its timestamp.
func (c *Client) PostMessage(ctx context.Context, token string, p PostMessageParams) (string, error) {
	var out postMessageResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetBody(p).
		SetResult(&out).
		Post("/chat.postMessage")
	if err != nil {
		return "", fmt.Errorf("slack chat.postMessage: %w", err)
	}
	if resp.IsError() || !out.OK {
		return "", &APIError{Method: "chat.postMessage", Code: apiCode(out.Error, resp.StatusCode())}
	}
	return out.TS, nil
}

// User is the subset of a Slack user object the relay path needs.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Profile struct {
		RealName    string `json:"real_name"`
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
		Image72     string `json:"image_72"`
	} `json:"profile"`
}

// DisplayLabel returns the best human-facing name for the user.
func (u *User) DisplayLabel() string {
	if u.Profile.DisplayName != "" {
		return u.Profile.DisplayName
	}
	if u.Profile.RealName != "" {
		return u.Profile.RealName
	}
	return u.Name
}

type userResponse struct {
	OK    bool   `json:"ok"`
	User  *User  `json:"user"`
	Error string `json:"error"`
}

// LookupUserByEmail resolves a Slack user by email (users.lookupByEmail).
// Returns ErrUserNotFound when Slack reports users_not_found.
func (c *Client) LookupUserByEmail(ctx context.Context, token, email string) (*User, error) {
	var out userResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("email", email).
		SetResult(&out).
		Get("/users.lookupByEmail")
	if err != nil {
		return nil, fmt.Errorf("slack users.lookupByEmail: %w", err)
	}
	if out.Error == "users_not_found" {
		return nil, ErrUserNotFound
	}
	if resp.IsError() || !out.OK || out.User == nil {
		return nil, &APIError{Method: "users.lookupByEmail", Code: apiCode(out.Error, resp.StatusCode())}
	}
	return out.User, nil
}

// GetUserProfile resolves a Slack user by id (users.info).
func (c *Client) GetUserProfile(ctx context.Context, token, userID string) (*User, error) {
	var out userResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("user", userID).
		SetResult(&out).
		Get("/users.info")
	if err != nil {
		return nil, fmt.Errorf("slack users.info: %w", err)
	}
	if resp.IsError() || !out.OK || out.User == nil {
		return nil, &APIError{Method: "users.info", Code: apiCode(out.Error, resp.StatusCode())}
	}
	return out.User, nil
}

type permalinkResponse struct {
	OK        bool   `json:"ok"`
	Permalink string `json:"permalink"`
	Error     string `json:"error"`
}

// GetPermalink returns a permalink for a message (chat.getPermalink).
// Best-effort: callers tolerate an empty result.
func (c *Client) GetPermalink(ctx context.Context, token, channelID, messageTS string) (string, error) {
	var out permalinkResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(map[string]string{
			"channel":    channelID,
			"message_ts": messageTS,
		}).
		SetResult(&out).
		Get("/chat.getPermalink")
	if err != nil {
		return "", fmt.Errorf("slack chat.getPermalink: %w", err)
	}
	if resp.IsError() || !out.OK {
		return "", &APIError{Method: "chat.getPermalink", Code: apiCode(out.Error, resp.StatusCode())}
	}
	return out.Permalink, nil
}

type fileInfoResponse struct {
	OK    bool   `json:"ok"`
	File  *File  `json:"file"`
	Error string `json:"error"`
}

// FileInfo resolves a file reference (files.info), used for Slack Connect
// file shares where the event payload omits the download URL.
func (c *Client) FileInfo(ctx context.Context, token, fileID string) (*File, error) {
	var out fileInfoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("file", fileID).
		SetResult(&out).
		Get("/files.info")
	if err != nil {
		return nil, fmt.Errorf("slack files.info: %w", err)
	}
	if resp.IsError() || !out.OK || out.File == nil {
		return nil, &APIError{Method: "files.info", Code: apiCode(out.Error, resp.StatusCode())}
	}
	return out.File, nil
}

// DownloadFile fetches a private file's bytes using the bot token.
func (c *Client) DownloadFile(ctx context.Context, token, url string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("slack file download: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{Method: "file download", Code: fmt.Sprintf("http_%d", resp.StatusCode())}
	}
	return resp.Body(), nil
}

// apiCode picks the most specific failure label available.
func apiCode(apiErr string, status int) string {
	if apiErr != "" {
		return apiErr
	}
	return fmt.Sprintf("http_%d", status)
}
