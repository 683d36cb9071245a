// Package sessionapi talks to the bastion backend's session lifecycle
// endpoints: timeout configuration, activity reporting, and extensions.
package sessionapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TimeoutStatus is the backend's view of a session's idle timeout.
type TimeoutStatus struct {
	SessionID        string  `json:"session_id"`
	TimeoutMinutes   int     `json:"timeout_minutes"`
	MinutesRemaining float64 `json:"minutes_remaining"`
	LastActivity     string  `json:"last_activity"`
	TimeoutAt        string  `json:"timeout_at"`
	IsActive         bool    `json:"is_active"`
	IsWarned         bool    `json:"is_warned"`
}

// Client issues authenticated requests against the session API.
type Client struct {
	BaseURL string
	Token   string

	httpClient *http.Client
}

// NewClient builds a client for the given API base URL. The token is sent
// as a bearer credential on every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) doRequest(method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	return c.httpClient.Do(req)
}

// GetTimeout returns the timeout status for a session. A 404 means no
// timeout is configured for the session and returns (nil, nil).
func (c *Client) GetTimeout(sessionID string) (*TimeoutStatus, error) {
	resp, err := c.doRequest("GET", "/api/v1/sessions/"+sessionID+"/timeout", nil)
	if err != nil {
		return nil, fmt.Errorf("get timeout: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get timeout: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var status TimeoutStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode timeout status: %w", err)
	}
	return &status, nil
}

// SetTimeout configures the idle timeout for a session.
func (c *Client) SetTimeout(sessionID string, minutes int) error {
	resp, err := c.doRequest("PUT", "/api/v1/sessions/"+sessionID+"/timeout", map[string]int{
		"timeout_minutes": minutes,
	})
	if err != nil {
		return fmt.Errorf("set timeout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("set timeout: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// RemoveTimeout deletes a session's timeout configuration. A 404 is not an
// error; the timeout was already gone.
func (c *Client) RemoveTimeout(sessionID string) error {
	resp, err := c.doRequest("DELETE", "/api/v1/sessions/"+sessionID+"/timeout", nil)
	if err != nil {
		return fmt.Errorf("remove timeout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("remove timeout: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ReportActivity marks the session as active now, resetting its idle clock.
func (c *Client) ReportActivity(sessionID string) error {
	resp, err := c.doRequest("POST", "/api/v1/sessions/"+sessionID+"/activity", nil)
	if err != nil {
		return fmt.Errorf("report activity: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("report activity: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ActiveSession is one live session as reported by the backend.
type ActiveSession struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Asset     string    `json:"asset"`
	StartedAt time.Time `json:"started_at"`
}

// ListActive returns the backend's authoritative list of live sessions.
func (c *Client) ListActive() ([]ActiveSession, error) {
	resp, err := c.doRequest("GET", "/api/v1/sessions/active", nil)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list active sessions: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Sessions []ActiveSession `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode active sessions: %w", err)
	}
	return result.Sessions, nil
}

// Extend pushes the session's expiry out by the given number of minutes.
func (c *Client) Extend(sessionID string, minutes int) (*TimeoutStatus, error) {
	resp, err := c.doRequest("POST", "/api/v1/sessions/"+sessionID+"/extend", map[string]int{
		"minutes": minutes,
	})
	if err != nil {
		return nil, fmt.Errorf("extend session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("extend session: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var status TimeoutStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode extend response: %w", err)
	}
	return &status, nil
}
