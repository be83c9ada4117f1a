// Package tokens contains the token service capability: the HTTP client the
// core consumes and a dev issuing server for local setups.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type rtmRequest struct {
	UserName string `json:"userName"`
}

type rtcRequest struct {
	UserID      domain.UserID `json:"userId"`
	RoomID      domain.RoomID `json:"roomId"`
	Broadcaster bool          `json:"broadcaster"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Client calls the remote token server. Implements core.TokenService.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

var _ core.TokenService = (*Client)(nil)

func (c *Client) SignalingToken(ctx context.Context, userName string) (string, error) {
	return c.post(ctx, "/v1/tokens/rtm", rtmRequest{UserName: userName})
}

func (c *Client) StreamToken(ctx context.Context, user domain.UserID, room domain.RoomID, broadcaster bool) (string, error) {
	return c.post(ctx, "/v1/tokens/rtc", rtcRequest{UserID: user, RoomID: room, Broadcaster: broadcaster})
}

func (c *Client) post(ctx context.Context, path string, body any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token server: status %d", resp.StatusCode)
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("token server: %w", err)
	}
	return out.Token, nil
}
