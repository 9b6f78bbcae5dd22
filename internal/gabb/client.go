// Package gabb is a minimal client for the Gabb device-location API.
package gabb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lubosd/hass-gabb/internal/payload"
)

const DefaultBaseURL = "https://api.myfilip.com"

const (
	loginPath         = "/v2/oauth/token"
	mapPath           = "/v2/map"
	contactsPath      = "/v2/contacts"
	deviceProfilePath = "/v2/devices/%s/profile"
	userProfilePath   = "/v2/user/profile"

	userAgent = "hass-gabb"
)

var ErrNoToken = errors.New("login response did not contain an access token")

// Response is a raw API answer. Body is decoded lazily with JSON.
type Response struct {
	StatusCode int
	Body       []byte
}

// JSON decodes the body, keeping numbers as json.Number.
func (r *Response) JSON() (map[string]any, error) {
	return payload.Decode(r.Body)
}

type Config struct {
	Username string
	Password string
	BaseURL  string
}

// Client holds one authenticated session. Tokens are never refreshed; make a
// new client when the session expires.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// New logs in and returns a ready client.
func New(ctx context.Context, cfg Config, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	c := &Client{http: httpClient, baseURL: base}

	if err := c.login(ctx, cfg.Username, cfg.Password); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) GetMap(ctx context.Context) (*Response, error) {
	return c.get(ctx, mapPath)
}

func (c *Client) GetContacts(ctx context.Context) (*Response, error) {
	return c.get(ctx, contactsPath)
}

func (c *Client) GetDeviceProfile(ctx context.Context, id string) (*Response, error) {
	return c.get(ctx, fmt.Sprintf(deviceProfilePath, url.PathEscape(id)))
}

func (c *Client) GetUserProfile(ctx context.Context) (*Response, error) {
	return c.get(ctx, userProfilePath)
}

func (c *Client) login(ctx context.Context, username, password string) error {
	body, err := json.Marshal(map[string]string{
		"grant_type": "password",
		"username":   username,
		"password":   password,
	})
	if err != nil {
		return fmt.Errorf("encode login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	decoded, err := resp.JSON()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	c.token = findToken(decoded)
	if c.token == "" {
		return ErrNoToken
	}

	return nil
}

func (c *Client) get(ctx context.Context, path string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}

	return resp, nil
}

func (c *Client) do(req *http.Request) (*Response, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// findToken accepts the token at the top level or inside "data", under any
// of the names the API has used.
func findToken(body map[string]any) string {
	for _, scope := range []map[string]any{body, asObject(body["data"])} {
		for _, key := range []string{"access_token", "accessToken", "token"} {
			if s, ok := scope[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
