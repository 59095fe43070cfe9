package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"telehealth/rtc/internal/domain"

	"github.com/google/uuid"
)

const defaultTimeout = 15 * time.Second

type joinRequest struct {
	RequestID string `json:"requestId"`
	Client    string `json:"client"`
}

type joinResponse struct {
	Result int                `json:"result"`
	Msg    string             `json:"msg"`
	Data   domain.Credentials `json:"data"`
}

// Client fetches video room join credentials from the consultation API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates an API client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "api")
	return c
}

// FetchCredentials obtains the signaling URL, room, room token and ICE
// servers for a consultation. token is the user's bearer token.
func (c *Client) FetchCredentials(ctx context.Context, token, consultationID string) (*domain.Credentials, error) {
	if err := CheckExpiry(token, time.Now()); err != nil {
		return nil, err
	}

	body, err := json.Marshal(joinRequest{RequestID: uuid.NewString(), Client: "telertc"})
	if err != nil {
		return nil, fmt.Errorf("marshal join request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/consultations/%s/video/join", c.baseURL, url.PathEscape(consultationID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	c.log.Debug("requesting join credentials", "consultation", consultationID)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var joinResp joinResponse
	if err := json.Unmarshal(respBody, &joinResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if joinResp.Result != 0 {
		return nil, fmt.Errorf("API error (result=%d): %s", joinResp.Result, joinResp.Msg)
	}
	if joinResp.Data.URL == "" {
		return nil, fmt.Errorf("API response without signaling url")
	}

	c.log.Info("join credentials obtained", "room", joinResp.Data.Room, "ice_servers", len(joinResp.Data.ICEServers))
	return &joinResp.Data, nil
}
