// Package client is a minimal Go SDK for the provisioning bridge, intended
// for internal tooling. It authenticates with the service API key and talks
// SCIM to the /scim/v2/Users surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a client for the bridge API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Config holds configuration for the client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates a new Client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// User is a SCIM user document as the bridge returns it.
type User map[string]interface{}

// ID returns the SCIM id, or "" when absent.
func (u User) ID() string {
	id, _ := u["id"].(string)
	return id
}

// ListResponse is the SCIM list envelope.
type ListResponse struct {
	TotalResults int    `json:"totalResults"`
	StartIndex   int    `json:"startIndex"`
	ItemsPerPage int    `json:"itemsPerPage"`
	Resources    []User `json:"Resources"`
}

// APIError carries a SCIM error envelope returned by the bridge.
type APIError struct {
	Status   int    `json:"status"`
	ScimType string `json:"scimType"`
	Detail   string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.ScimType != "" {
		return fmt.Sprintf("bridge error %d (%s): %s", e.Status, e.ScimType, e.Detail)
	}
	return fmt.Sprintf("bridge error %d: %s", e.Status, e.Detail)
}

// ListUsers lists users, optionally filtered.
func (c *Client) ListUsers(ctx context.Context, filter string, startIndex, count int) (ListResponse, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	if startIndex > 0 {
		q.Set("startIndex", strconv.Itoa(startIndex))
	}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	path := "/scim/v2/Users"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res ListResponse
	err := c.doRequest(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// GetUser fetches one user by id.
func (c *Client) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	err := c.doRequest(ctx, http.MethodGet, "/scim/v2/Users/"+url.PathEscape(id), nil, &user)
	return user, err
}

// CreateUser provisions a new user.
func (c *Client) CreateUser(ctx context.Context, user User) (User, error) {
	var created User
	err := c.doRequest(ctx, http.MethodPost, "/scim/v2/Users", user, &created)
	return created, err
}

// ReplaceUser overwrites a user's attributes.
func (c *Client) ReplaceUser(ctx context.Context, id string, user User) (User, error) {
	var replaced User
	err := c.doRequest(ctx, http.MethodPut, "/scim/v2/Users/"+url.PathEscape(id), user, &replaced)
	return replaced, err
}

// DeleteUser deprovisions a user.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/scim/v2/Users/"+url.PathEscape(id), nil, nil)
}

// doRequest helper to perform authenticated requests.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/scim+json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Detail == "" {
			apiErr.Detail = string(respBody)
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}

	return nil
}
