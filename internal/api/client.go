// Package api talks to the platform's REST backend: credential refresh, room
// join/leave, participant list and chat history.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/1ureka/roomlink/internal/protocol"
)

// ErrNoCredential means neither a usable access token nor a refresh token
// is available.
var ErrNoCredential = errors.New("no credential available")

// Error is a non-2xx response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Room is the room metadata.
type Room struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Language        string `json:"language"`
	MaxParticipants int    `json:"max_participants"`
}

// Tokens is the credential-refresh response.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Client is the REST client. Authenticated calls take their bearer token
// from the TokenSource.
type Client struct {
	base   string
	http   *http.Client
	tokens *TokenSource
}

// New creates a client for baseURL with the given stored credentials.
func New(baseURL string, timeout time.Duration, accessToken, refreshToken string) *Client {
	c := &Client{
		base: baseURL,
		http: &http.Client{Timeout: timeout},
	}
	c.tokens = &TokenSource{client: c, access: accessToken, refresh: refreshToken, now: time.Now}
	return c
}

// Tokens returns the client's TokenSource.
func (c *Client) Tokens() *TokenSource {
	return c.tokens
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var out Tokens
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", body, &out); err != nil {
		return Tokens{}, fmt.Errorf("refresh: %w", err)
	}
	if out.AccessToken == "" {
		return Tokens{}, fmt.Errorf("refresh: %w", ErrNoCredential)
	}
	return out, nil
}

func (c *Client) Room(ctx context.Context, roomID string) (Room, error) {
	var out Room
	err := c.authed(ctx, http.MethodGet, roomPath(roomID, ""), nil, &out)
	return out, err
}

func (c *Client) Join(ctx context.Context, roomID string) error {
	return c.authed(ctx, http.MethodPost, roomPath(roomID, "/join"), nil, nil)
}

func (c *Client) Leave(ctx context.Context, roomID string) error {
	return c.authed(ctx, http.MethodPost, roomPath(roomID, "/leave"), nil, nil)
}

func (c *Client) Participants(ctx context.Context, roomID string) ([]protocol.Participant, error) {
	var out struct {
		Participants []protocol.Participant `json:"participants"`
	}
	err := c.authed(ctx, http.MethodGet, roomPath(roomID, "/participants"), nil, &out)
	return out.Participants, err
}

func (c *Client) ChatHistory(ctx context.Context, roomID string) ([]protocol.ChatMessage, error) {
	var out struct {
		Messages []protocol.ChatMessage `json:"messages"`
	}
	err := c.authed(ctx, http.MethodGet, roomPath(roomID, "/messages"), nil, &out)
	return out.Messages, err
}

func roomPath(roomID, suffix string) string {
	return "/rooms/" + url.PathEscape(roomID) + suffix
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) authed(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := c.do(ctx, method, path, token, in, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &Error{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
