package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"warden.org/internal/obs"
)

const (
	defaultBaseURL = "https://discord.com/api/v10"
	memberPageSize = 1000
	messagePage    = 50
	maxErrorBody   = 64 << 10
)

// Config configures a Discord REST client.
type Config struct {
	BaseURL string
	Token   string
	GuildID string
	// Every request waits on this budget. Zero selects 5 req/s.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	UserAgent         string
	Logger            *zap.Logger
}

// Client is a goroutine-safe Discord REST client bound to one guild.
type Client struct {
	baseURL    string
	token      string
	guildID    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

var _ Session = (*Client)(nil)

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("platform: token is required")
	}
	if cfg.GuildID == "" {
		return nil, errors.New("platform: guild id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "DiscordBot (https://warden.org, dev)"
	}
	if cfg.Logger == nil {
		cfg.Logger = obs.Named("platform")
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		guildID:    cfg.GuildID,
		userAgent:  cfg.UserAgent,
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:        cfg.Logger,
	}, nil
}

// GuildID returns the guild the client is bound to. It doubles as the id of
// the guild's default role.
func (c *Client) GuildID() string { return c.guildID }

type apiUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Bot        bool   `json:"bot"`
}

type apiMember struct {
	User  apiUser  `json:"user"`
	Nick  string   `json:"nick"`
	Roles []string `json:"roles"`
}

type apiRole struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

type apiChannel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          int    `json:"type"`
	LastMessageID string `json:"last_message_id"`
}

type apiMessage struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Author    apiUser   `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (u apiUser) displayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (c *Client) toMember(m apiMember) Member {
	name := m.Nick
	if name == "" {
		name = m.User.displayName()
	}
	roles := make([]string, 0, len(m.Roles)+1)
	roles = append(roles, c.guildID)
	for _, r := range m.Roles {
		if r != c.guildID {
			roles = append(roles, r)
		}
	}
	return Member{
		ID:     m.User.ID,
		Name:   name,
		Status: StatusOnline,
		Bot:    m.User.Bot,
		Roles:  roles,
	}
}

// Self returns the agent's own user.
func (c *Client) Self(ctx context.Context) (Member, error) {
	var u apiUser
	if err := c.do(ctx, "users.me", http.MethodGet, "/users/@me", nil, nil, &u); err != nil {
		return Member{}, err
	}
	return Member{ID: u.ID, Name: u.displayName(), Status: StatusOnline, Bot: u.Bot}, nil
}

// Members pages through every guild member.
func (c *Client) Members(ctx context.Context) ([]Member, error) {
	var (
		out   []Member
		after = "0"
	)
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(memberPageSize))
		q.Set("after", after)
		var page []apiMember
		if err := c.do(ctx, "guild.members", http.MethodGet, "/guilds/"+c.guildID+"/members", q, nil, &page); err != nil {
			return nil, err
		}
		for _, m := range page {
			out = append(out, c.toMember(m))
			after = m.User.ID
		}
		if len(page) < memberPageSize {
			return out, nil
		}
	}
}

// Roles lists guild roles. The default role id equals the guild id.
func (c *Client) Roles(ctx context.Context) ([]Role, string, error) {
	var raw []apiRole
	if err := c.do(ctx, "guild.roles", http.MethodGet, "/guilds/"+c.guildID+"/roles", nil, nil, &raw); err != nil {
		return nil, "", err
	}
	out := make([]Role, 0, len(raw))
	for _, r := range raw {
		out = append(out, Role{ID: r.ID, Name: r.Name, Position: r.Position})
	}
	return out, c.guildID, nil
}

func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var raw []apiChannel
	if err := c.do(ctx, "guild.channels", http.MethodGet, "/guilds/"+c.guildID+"/channels", nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(raw))
	for _, ch := range raw {
		out = append(out, Channel{ID: ch.ID, Name: ch.Name, Type: ch.Type})
	}
	return out, nil
}

// GrantRoles replaces m's role list with its current roles plus roles.
func (c *Client) GrantRoles(ctx context.Context, m Member, roles []Role) error {
	if len(roles) == 0 {
		return nil
	}
	next := make([]string, 0, len(m.Roles)+len(roles))
	seen := make(map[string]bool, len(m.Roles)+len(roles))
	for _, id := range m.Roles {
		if id != c.guildID && !seen[id] {
			seen[id] = true
			next = append(next, id)
		}
	}
	for _, r := range roles {
		if r.ID != c.guildID && !seen[r.ID] {
			seen[r.ID] = true
			next = append(next, r.ID)
		}
	}
	return c.setRoles(ctx, m.ID, next)
}

// RevokeRoles replaces m's role list with its current roles minus roles.
func (c *Client) RevokeRoles(ctx context.Context, m Member, roles []Role) error {
	if len(roles) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(roles))
	for _, r := range roles {
		drop[r.ID] = true
	}
	next := make([]string, 0, len(m.Roles))
	for _, id := range m.Roles {
		if id != c.guildID && !drop[id] {
			next = append(next, id)
		}
	}
	return c.setRoles(ctx, m.ID, next)
}

func (c *Client) setRoles(ctx context.Context, memberID string, roles []string) error {
	body := map[string]any{"roles": roles}
	return c.do(ctx, "guild.member", http.MethodPatch, "/guilds/"+c.guildID+"/members/"+memberID, nil, body, nil)
}

type createMessage struct {
	Content         string          `json:"content"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

func newCreateMessage(text string) createMessage {
	return createMessage{Content: text, AllowedMentions: allowedMentions{Parse: []string{"everyone", "users", "roles"}}}
}

// Send posts text to channelID.
func (c *Client) Send(ctx context.Context, channelID, text string) error {
	return c.do(ctx, "channel.messages", http.MethodPost, "/channels/"+channelID+"/messages", nil, newCreateMessage(text), nil)
}

// OpenDirect opens (or reuses) the DM channel with userID without posting.
// MessageID is the newest message already in the channel, if any.
func (c *Client) OpenDirect(ctx context.Context, userID string) (DirectMessage, error) {
	var ch apiChannel
	if err := c.do(ctx, "users.me.channels", http.MethodPost, "/users/@me/channels", nil, map[string]string{"recipient_id": userID}, &ch); err != nil {
		return DirectMessage{}, err
	}
	return DirectMessage{ChannelID: ch.ID, MessageID: ch.LastMessageID}, nil
}

// SendDirect opens (or reuses) the DM channel with userID and posts text.
func (c *Client) SendDirect(ctx context.Context, userID, text string) (DirectMessage, error) {
	dm, err := c.OpenDirect(ctx, userID)
	if err != nil {
		return DirectMessage{}, err
	}
	var msg apiMessage
	if err := c.do(ctx, "channel.messages", http.MethodPost, "/channels/"+dm.ChannelID+"/messages", nil, newCreateMessage(text), &msg); err != nil {
		return DirectMessage{ChannelID: dm.ChannelID}, err
	}
	return DirectMessage{ChannelID: dm.ChannelID, MessageID: msg.ID}, nil
}

// Messages returns up to one page of messages after afterID, oldest first.
func (c *Client) Messages(ctx context.Context, channelID, afterID string) ([]Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(messagePage))
	if afterID != "" {
		q.Set("after", afterID)
	}
	var raw []apiMessage
	if err := c.do(ctx, "channel.messages", http.MethodGet, "/channels/"+channelID+"/messages", q, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, Message{
			ID:        m.ID,
			ChannelID: channelID,
			AuthorID:  m.Author.ID,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return SnowflakeLess(out[i].ID, out[j].ID) })
	return out, nil
}

// SnowflakeLess orders two numeric ids without parsing them.
func SnowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

type rateLimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
	Code       int     `json:"code"`
}

func (c *Client) do(ctx context.Context, route, method, path string, query url.Values, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("platform: encode %s body: %w", route, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return fmt.Errorf("platform: build %s request: %w", route, err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		obs.PlatformRequest(route, 0, time.Since(started))
		return fmt.Errorf("platform: %s %s: %w", method, route, err)
	}
	defer resp.Body.Close()
	obs.PlatformRequest(route, resp.StatusCode, time.Since(started))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("platform: decode %s response: %w", route, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var rb rateLimitBody
	_ = json.Unmarshal(raw, &rb)
	apiErr := &APIError{
		Code:       rb.Code,
		Message:    rb.Message,
		StatusCode: resp.StatusCode,
		Global:     rb.Global,
		Route:      route,
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = retryAfter(rb.RetryAfter, resp.Header.Get("Retry-After"))
		c.log.Warn("rate limited",
			zap.String("route", route),
			zap.Duration("retry_after", apiErr.RetryAfter),
			zap.Bool("global", apiErr.Global))
	}
	return apiErr
}

func retryAfter(bodySeconds float64, header string) time.Duration {
	if bodySeconds > 0 {
		return time.Duration(bodySeconds * float64(time.Second))
	}
	if s, err := strconv.ParseFloat(strings.TrimSpace(header), 64); err == nil && s > 0 {
		return time.Duration(s * float64(time.Second))
	}
	return time.Second
}
