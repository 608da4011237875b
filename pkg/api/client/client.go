package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the cloudbot API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:3000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// User reflects API user payloads.
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

// Session is returned by register and login.
type Session struct {
	User      User   `json:"user"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Register creates an account and returns its first session.
func (c *Client) Register(ctx context.Context, email, password string) (Session, error) {
	return c.session(ctx, "/api/auth/register", email, password)
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	return c.session(ctx, "/api/auth/login", email, password)
}

func (c *Client) session(ctx context.Context, path, email, password string) (Session, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, path, body, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Bot mirrors the API bot payload. Token is masked by the server.
type Bot struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Token           string    `json:"token"`
	Services        []string  `json:"services"`
	Status          string    `json:"status"`
	PublicURL       string    `json:"public_url"`
	InternalAddress string    `json:"internal_address"`
	ErrorMessage    string    `json:"error_message"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreateBotInput captures the payload for bot creation.
type CreateBotInput struct {
	Name     string   `json:"name"`
	Token    string   `json:"token"`
	Services []string `json:"services"`
}

// ListBots returns the bots owned by the authenticated user.
func (c *Client) ListBots(ctx context.Context, token string) ([]Bot, error) {
	var bots []Bot
	if err := c.do(ctx, http.MethodGet, "/api/bots", nil, token, &bots); err != nil {
		return nil, err
	}
	return bots, nil
}

// CreateBot registers a bot; provisioning continues in the background.
func (c *Client) CreateBot(ctx context.Context, token string, input CreateBotInput) (Bot, error) {
	var bot Bot
	if err := c.do(ctx, http.MethodPost, "/api/bots", input, token, &bot); err != nil {
		return Bot{}, err
	}
	return bot, nil
}

// GetBot fetches one bot.
func (c *Client) GetBot(ctx context.Context, token string, id int64) (Bot, error) {
	var bot Bot
	if err := c.do(ctx, http.MethodGet, "/api/bots/"+strconv.FormatInt(id, 10), nil, token, &bot); err != nil {
		return Bot{}, err
	}
	return bot, nil
}

// DeleteBot tears the bot down and removes its record.
func (c *Client) DeleteBot(ctx context.Context, token string, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/bots/"+strconv.FormatInt(id, 10), nil, token, nil)
}

// WaitForBot polls GetBot until the bot leaves the creating state or ctx ends.
func (c *Client) WaitForBot(ctx context.Context, token string, id int64, interval time.Duration) (Bot, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		bot, err := c.GetBot(ctx, token, id)
		if err != nil {
			return Bot{}, err
		}
		if bot.Status != "creating" {
			return bot, nil
		}
		select {
		case <-ctx.Done():
			return bot, ctx.Err()
		case <-ticker.C:
		}
	}
}
