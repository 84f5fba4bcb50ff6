// Package instagram implements the poll-style Instagram channel session.
// Instagram exposes no push API for direct messages, so an authenticated
// private-API client is polled on a fixed interval for recent threads.
package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Login failures are terminal for the session; the operator must resolve
// the condition and issue a fresh connect request.
var (
	ErrTwoFactorRequired  = errors.New("instagram: two-factor authentication required")
	ErrCheckpointRequired = errors.New("instagram: checkpoint challenge required")
	ErrBadPassword        = errors.New("instagram: incorrect password")
	ErrUnknownUser        = errors.New("instagram: user not found")
	ErrSessionExpired     = errors.New("instagram: session expired")
)

// IsAuthError reports whether err is an authentication-class failure that
// must end the session rather than be retried.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrTwoFactorRequired) ||
		errors.Is(err, ErrCheckpointRequired) ||
		errors.Is(err, ErrBadPassword) ||
		errors.Is(err, ErrUnknownUser) ||
		errors.Is(err, ErrSessionExpired)
}

// Message is the latest message of a thread as returned by the inbox poll.
type Message struct {
	ID       string
	SenderID string
	Text     string
	SentAt   time.Time
}

// Thread is one direct-message conversation.
type Thread struct {
	ID          string
	Username    string
	LastMessage Message
}

// Client is the private-API surface the session depends on. The default
// implementation talks HTTP; tests substitute fakes.
type Client interface {
	// Login authenticates the account. Channel-specific failures are
	// returned as the sentinel errors above.
	Login(ctx context.Context, username, password string) error

	// ListRecentThreads returns the most recent n inbox threads, each with
	// only its latest message populated.
	ListRecentThreads(ctx context.Context, n int) ([]Thread, error)

	// SendReply posts a text reply into a thread.
	SendReply(ctx context.Context, threadID, text string) error

	// Logout invalidates the server-side session. Best-effort.
	Logout(ctx context.Context) error

	// SelfID returns the logged-in account's user ID, used to skip
	// self-sent messages while polling.
	SelfID() string
}

// httpClient is the default Client over the Instagram private API.
type httpClient struct {
	baseURL string
	http    *http.Client
	selfID  string
	csrf    string
}

// NewHTTPClient creates the default private-API client. baseURL is
// overridable for testing; empty selects the production endpoint.
func NewHTTPClient(baseURL string, timeout time.Duration) Client {
	if baseURL == "" {
		baseURL = "https://i.instagram.com/api/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// loginResponse is the subset of the login payload the client reads.
type loginResponse struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	ErrorType       string `json:"error_type"`
	TwoFactorNeeded bool   `json:"two_factor_required"`
	LoggedInUser    struct {
		PK int64 `json:"pk"`
	} `json:"logged_in_user"`
	Challenge *struct {
		URL string `json:"url"`
	} `json:"challenge"`
}

func (c *httpClient) Login(ctx context.Context, username, password string) error {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	body, status, err := c.post(ctx, "/accounts/login/", form)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}

	if resp.TwoFactorNeeded || resp.ErrorType == "two_factor_required" {
		return ErrTwoFactorRequired
	}
	if resp.Challenge != nil || resp.ErrorType == "checkpoint_challenge_required" {
		return ErrCheckpointRequired
	}
	switch resp.ErrorType {
	case "bad_password":
		return ErrBadPassword
	case "invalid_user":
		return ErrUnknownUser
	}
	if status != http.StatusOK || resp.Status != "ok" {
		return fmt.Errorf("login failed (%d): %s", status, resp.Message)
	}

	c.selfID = fmt.Sprintf("%d", resp.LoggedInUser.PK)
	return nil
}

// inboxResponse is the subset of the inbox payload the poller reads.
type inboxResponse struct {
	Status string `json:"status"`
	Inbox  struct {
		Threads []struct {
			ThreadID string `json:"thread_id"`
			Users    []struct {
				Username string `json:"username"`
			} `json:"users"`
			Items []struct {
				ItemID    string `json:"item_id"`
				UserID    int64  `json:"user_id"`
				ItemType  string `json:"item_type"`
				Text      string `json:"text"`
				Timestamp int64  `json:"timestamp"`
			} `json:"items"`
		} `json:"threads"`
	} `json:"inbox"`
}

func (c *httpClient) ListRecentThreads(ctx context.Context, n int) ([]Thread, error) {
	body, status, err := c.get(ctx, fmt.Sprintf("/direct_v2/inbox/?limit=%d", n))
	if err != nil {
		return nil, fmt.Errorf("inbox request: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, ErrSessionExpired
	}

	var resp inboxResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding inbox: %w", err)
	}
	if resp.Status == "fail" {
		return nil, ErrSessionExpired
	}

	threads := make([]Thread, 0, len(resp.Inbox.Threads))
	for _, t := range resp.Inbox.Threads {
		th := Thread{ID: t.ThreadID}
		if len(t.Users) > 0 {
			th.Username = t.Users[0].Username
		}
		// Items arrive newest-first; only the latest message matters.
		if len(t.Items) > 0 {
			item := t.Items[0]
			if item.ItemType != "text" {
				continue
			}
			th.LastMessage = Message{
				ID:       item.ItemID,
				SenderID: fmt.Sprintf("%d", item.UserID),
				Text:     item.Text,
				SentAt:   time.UnixMicro(item.Timestamp),
			}
		}
		threads = append(threads, th)
	}
	return threads, nil
}

func (c *httpClient) SendReply(ctx context.Context, threadID, text string) error {
	form := url.Values{}
	form.Set("text", text)

	path := fmt.Sprintf("/direct_v2/threads/%s/broadcast/text/", threadID)
	body, status, err := c.post(ctx, path, form)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ErrSessionExpired
	}
	if status != http.StatusOK {
		return fmt.Errorf("send failed (%d): %s", status, truncate(string(body), 200))
	}
	return nil
}

func (c *httpClient) Logout(ctx context.Context) error {
	_, _, err := c.post(ctx, "/accounts/logout/", url.Values{})
	return err
}

func (c *httpClient) SelfID() string { return c.selfID }

// ---------- HTTP plumbing ----------

func (c *httpClient) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	return c.do(req)
}

func (c *httpClient) post(ctx context.Context, path string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *httpClient) do(req *http.Request) ([]byte, int, error) {
	req.Header.Set("User-Agent", "Instagram 275.0.0.27.98 Android")
	if c.csrf != "" {
		req.Header.Set("X-CSRFToken", c.csrf)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	for _, ck := range resp.Cookies() {
		if ck.Name == "csrftoken" {
			c.csrf = ck.Value
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
