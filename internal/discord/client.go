package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/gryphonracing/rosterlink/internal/metrics"
	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/sentinel"
)

const (
	defaultBaseURL = "https://discord.com/api/v10"
	userAgent      = "DiscordBot (https://github.com/gryphonracing/rosterlink, 1.0)"
	memberPageSize = 1000

	// JSON error codes for "not a member" lookups.
	codeUnknownMember = 10007
	codeUnknownUser   = 10013
)

// Client calls the Discord REST API for one guild with a bot token.
type Client struct {
	token      string
	guildID    uint64
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	pageSize   int
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	dmChannel map[uint64]uint64
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithBaseURL(u string) Option {
	return func(cl *Client) {
		cl.baseURL = u
	}
}

func WithMaxRetries(n uint64) Option {
	return func(cl *Client) {
		cl.maxRetries = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

func NewClient(token string, guildID uint64, opts ...Option) *Client {
	c := &Client{
		token:      token,
		guildID:    guildID,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 4,
		pageSize:   memberPageSize,
		logger:     slog.Default(),
		dmChannel:  make(map[uint64]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "discord")
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api: status %d code %d: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return sentinel.ErrExternalAPI }

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// do sends one request, retrying on 429 and 5xx. A 429 waits the advertised
// retry_after before the next attempt. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any, reason string) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.WithCappedDuration(10*time.Second, retry.NewExponential(250*time.Millisecond)))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.metrics.APIRetry()
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("User-Agent", userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if reason != "" {
			req.Header.Set("X-Audit-Log-Reason", url.PathEscape(reason))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%s %s: %w: %w", method, path, sentinel.ErrExternalAPI, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			c.logger.Warn("rate limited", "method", method, "path", path, "retry_after", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			return retry.RetryableError(&APIError{Status: resp.StatusCode, Message: "rate limited"})
		case resp.StatusCode >= 500:
			return retry.RetryableError(&APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)})
		case resp.StatusCode >= 400:
			apiErr := &APIError{Status: resp.StatusCode}
			_ = json.NewDecoder(resp.Body).Decode(apiErr)
			apiErr.Status = resp.StatusCode
			return apiErr
		}

		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	})
}

func retryAfter(resp *http.Response) time.Duration {
	var body rateLimitBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	if s, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && s > 0 {
		return time.Duration(s * float64(time.Second))
	}
	return time.Second
}

type apiUser struct {
	ID       Snowflake `json:"id"`
	Username string    `json:"username"`
	Bot      bool      `json:"bot"`
}

type apiMember struct {
	User  *apiUser    `json:"user"`
	Roles []Snowflake `json:"roles"`
}

func (m apiMember) toModel() model.Member {
	out := model.Member{RoleIDs: make([]uint64, 0, len(m.Roles))}
	if m.User != nil {
		out.AccountID = uint64(m.User.ID)
		out.Username = m.User.Username
		out.Bot = m.User.Bot
	}
	for _, r := range m.Roles {
		out.RoleIDs = append(out.RoleIDs, uint64(r))
	}
	return out
}

// ListMembers pages through the whole guild member list.
func (c *Client) ListMembers(ctx context.Context) ([]model.Member, error) {
	var members []model.Member
	var after uint64
	for {
		var page []apiMember
		path := fmt.Sprintf("/guilds/%d/members?limit=%d&after=%d", c.guildID, c.pageSize, after)
		if err := c.do(ctx, http.MethodGet, path, nil, &page, ""); err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		for _, m := range page {
			mm := m.toModel()
			members = append(members, mm)
			if mm.AccountID > after {
				after = mm.AccountID
			}
		}
		if len(page) < c.pageSize {
			return members, nil
		}
	}
}

// GetMember returns nil, nil when the account is not in the guild.
func (c *Client) GetMember(ctx context.Context, accountID uint64) (*model.Member, error) {
	var m apiMember
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d/members/%d", c.guildID, accountID), nil, &m, "")
	if isNotMember(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member %d: %w", accountID, err)
	}
	out := m.toModel()
	return &out, nil
}

func isNotMember(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusNotFound || apiErr.Code == codeUnknownMember || apiErr.Code == codeUnknownUser
}

func (c *Client) IsMember(ctx context.Context, accountID uint64) (bool, error) {
	m, err := c.GetMember(ctx, accountID)
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

func (c *Client) AddRole(ctx context.Context, accountID, roleID uint64) error {
	path := fmt.Sprintf("/guilds/%d/members/%d/roles/%d", c.guildID, accountID, roleID)
	if err := c.do(ctx, http.MethodPut, path, nil, nil, "verification"); err != nil {
		return fmt.Errorf("add role %d to %d: %w", roleID, accountID, err)
	}
	return nil
}

func (c *Client) RemoveRole(ctx context.Context, accountID, roleID uint64) error {
	path := fmt.Sprintf("/guilds/%d/members/%d/roles/%d", c.guildID, accountID, roleID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, "verification"); err != nil {
		return fmt.Errorf("remove role %d from %d: %w", roleID, accountID, err)
	}
	return nil
}

type createMessage struct {
	Content         string          `json:"content"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

// SendDirectMessage opens (or reuses) the DM channel and posts content.
func (c *Client) SendDirectMessage(ctx context.Context, accountID uint64, content string) error {
	channelID, err := c.dmChannelFor(ctx, accountID)
	if err != nil {
		return fmt.Errorf("direct message %d: %w", accountID, err)
	}
	if err := c.SendChannelMessage(ctx, channelID, content); err != nil {
		return fmt.Errorf("direct message %d: %w", accountID, err)
	}
	return nil
}

// SendChannelMessage posts content without pinging anyone it mentions.
func (c *Client) SendChannelMessage(ctx context.Context, channelID uint64, content string) error {
	msg := createMessage{Content: content, AllowedMentions: allowedMentions{Parse: []string{}}}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%d/messages", channelID), msg, nil, ""); err != nil {
		return fmt.Errorf("send message to channel %d: %w", channelID, err)
	}
	return nil
}

func (c *Client) dmChannelFor(ctx context.Context, accountID uint64) (uint64, error) {
	c.mu.Lock()
	id, ok := c.dmChannel[accountID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var ch struct {
		ID Snowflake `json:"id"`
	}
	in := map[string]Snowflake{"recipient_id": Snowflake(accountID)}
	if err := c.do(ctx, http.MethodPost, "/users/@me/channels", in, &ch, ""); err != nil {
		return 0, fmt.Errorf("open dm channel: %w", err)
	}

	c.mu.Lock()
	c.dmChannel[accountID] = uint64(ch.ID)
	c.mu.Unlock()
	return uint64(ch.ID), nil
}

type apiRole struct {
	ID   Snowflake `json:"id"`
	Name string    `json:"name"`
}

// RoleIDByName resolves a guild role by exact name.
func (c *Client) RoleIDByName(ctx context.Context, name string) (uint64, error) {
	var roles []apiRole
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d/roles", c.guildID), nil, &roles, ""); err != nil {
		return 0, fmt.Errorf("list roles: %w", err)
	}
	for _, r := range roles {
		if r.Name == name {
			return uint64(r.ID), nil
		}
	}
	return 0, fmt.Errorf("role %q: %w", name, sentinel.ErrNotFound)
}
