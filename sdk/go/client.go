package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"rewardkit/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the rewardkit HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func userPath(userID string, parts ...string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrEmptyUserID
	}
	p := "/users/" + url.PathEscape(userID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p, nil
}

// Append writes a ledger entry. Repeating a call with the same key replays
// the stored entry; a different delta under the same key fails with an error
// matching core.ErrIdempotencyConflict.
func (c *Client) Append(ctx context.Context, userID string, in AppendInput) (AppendResult, error) {
	p, err := userPath(userID, "ledger")
	if err != nil {
		return AppendResult{}, err
	}
	var res AppendResult
	if err := c.do(ctx, http.MethodPost, p, in, &res); err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

// Entries lists a user's ledger entries in sequence order.
func (c *Client) Entries(ctx context.Context, userID string) ([]core.LedgerEntry, error) {
	p, err := userPath(userID, "ledger")
	if err != nil {
		return nil, err
	}
	var body struct {
		Entries []core.LedgerEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, p, nil, &body); err != nil {
		return nil, err
	}
	return body.Entries, nil
}

// Balance fetches a user's balance.
func (c *Client) Balance(ctx context.Context, userID string) (Balance, error) {
	p, err := userPath(userID, "balance")
	if err != nil {
		return Balance{}, err
	}
	var b Balance
	if err := c.do(ctx, http.MethodGet, p, nil, &b); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// RecordActivity stores an activity record for a user.
func (c *Client) RecordActivity(ctx context.Context, userID string, in ActivityInput) (core.Activity, error) {
	p, err := userPath(userID, "activity")
	if err != nil {
		return core.Activity{}, err
	}
	var act core.Activity
	if err := c.do(ctx, http.MethodPost, p, in, &act); err != nil {
		return core.Activity{}, err
	}
	return act, nil
}

// Badges lists the published badge catalog.
func (c *Client) Badges(ctx context.Context) ([]Badge, error) {
	var body struct {
		Badges []Badge `json:"badges"`
	}
	if err := c.do(ctx, http.MethodGet, "/badges", nil, &body); err != nil {
		return nil, err
	}
	return body.Badges, nil
}

// PendingGrants lists grants waiting for manual approval.
func (c *Client) PendingGrants(ctx context.Context) ([]core.BadgeGrant, error) {
	var body struct {
		Grants []core.BadgeGrant `json:"grants"`
	}
	if err := c.do(ctx, http.MethodGet, "/badges/pending", nil, &body); err != nil {
		return nil, err
	}
	return body.Grants, nil
}

// Grants lists a user's badge grants.
func (c *Client) Grants(ctx context.Context, userID string) ([]core.BadgeGrant, error) {
	p, err := userPath(userID, "badges")
	if err != nil {
		return nil, err
	}
	var body struct {
		Grants []core.BadgeGrant `json:"grants"`
	}
	if err := c.do(ctx, http.MethodGet, p, nil, &body); err != nil {
		return nil, err
	}
	return body.Grants, nil
}

// EvaluateBadge asks the server to try granting badge to the user.
func (c *Client) EvaluateBadge(ctx context.Context, userID, badge string) (core.GrantResult, error) {
	p, err := userPath(userID, "badges", badge, "evaluate")
	if err != nil {
		return "", err
	}
	var body struct {
		Result core.GrantResult `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, p, nil, &body); err != nil {
		return "", err
	}
	return body.Result, nil
}

// ExplainBadge evaluates badge without granting it.
func (c *Client) ExplainBadge(ctx context.Context, userID, badge string) (Explanation, error) {
	p, err := userPath(userID, "badges", badge, "explain")
	if err != nil {
		return Explanation{}, err
	}
	var ex Explanation
	if err := c.do(ctx, http.MethodGet, p, nil, &ex); err != nil {
		return Explanation{}, err
	}
	return ex, nil
}

// ApproveBadge activates a pending grant.
func (c *Client) ApproveBadge(ctx context.Context, userID, badge string) (core.BadgeGrant, error) {
	return c.transition(ctx, userID, badge, "approve")
}

// RevokeBadge revokes the user's current grant of badge.
func (c *Client) RevokeBadge(ctx context.Context, userID, badge string) (core.BadgeGrant, error) {
	return c.transition(ctx, userID, badge, "revoke")
}

func (c *Client) transition(ctx context.Context, userID, badge, action string) (core.BadgeGrant, error) {
	p, err := userPath(userID, "badges", badge, action)
	if err != nil {
		return core.BadgeGrant{}, err
	}
	var g core.BadgeGrant
	if err := c.do(ctx, http.MethodPost, p, nil, &g); err != nil {
		return core.BadgeGrant{}, err
	}
	return g, nil
}

// Quest fetches the user's state for quest.
func (c *Client) Quest(ctx context.Context, userID, quest string) (Quest, error) {
	p, err := userPath(userID, "quests", quest)
	if err != nil {
		return Quest{}, err
	}
	var q Quest
	if err := c.do(ctx, http.MethodGet, p, nil, &q); err != nil {
		return Quest{}, err
	}
	return q, nil
}

// AdvanceQuest adds count to the quest counter, optionally checking the
// discovery trigger afterwards.
func (c *Client) AdvanceQuest(ctx context.Context, userID, quest string, count int64, check bool) (QuestProgress, error) {
	p, err := userPath(userID, "quests", quest, "progress")
	if err != nil {
		return QuestProgress{}, err
	}
	in := struct {
		Count int64 `json:"count"`
		Check bool  `json:"check,omitempty"`
	}{count, check}
	var qp QuestProgress
	if err := c.do(ctx, http.MethodPost, p, in, &qp); err != nil {
		return QuestProgress{}, err
	}
	return qp, nil
}

// CheckQuest evaluates the quest's discovery trigger.
func (c *Client) CheckQuest(ctx context.Context, userID, quest string) (QuestProgress, error) {
	p, err := userPath(userID, "quests", quest, "check")
	if err != nil {
		return QuestProgress{}, err
	}
	var qp QuestProgress
	if err := c.do(ctx, http.MethodPost, p, nil, &qp); err != nil {
		return QuestProgress{}, err
	}
	return qp, nil
}

// Health probes /healthz.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &hs); err != nil {
		return HealthStatus{}, err
	}
	return hs, nil
}

// SubscribeOptions narrows the event stream.
type SubscribeOptions struct {
	UserID string
	Types  []core.EventType
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, opts SubscribeOptions) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	wsURL := c.wsURL
	q := url.Values{}
	if opts.UserID != "" {
		q.Set("user", opts.UserID)
	}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		q.Set("types", strings.Join(types, ","))
	}
	if len(q) > 0 {
		wsURL += "?" + q.Encode()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
