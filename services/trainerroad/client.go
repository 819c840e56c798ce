// Package trainerroad is the write-path client for the training vendor.
// Authentication is a stored username and password; the client keeps a
// session cookie after login.
package trainerroad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/bikebuds/bikebuds/vendors"
)

const defaultBaseURL = "https://www.trainerroad.com"

// Config overrides the endpoint, for tests.
type Config struct {
	BaseURL string
}

// Client logs in lazily on the first write.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	loggedIn bool
}

// NewClient builds a client for the stored account credentials.
func NewClient(cfg Config, username, password string) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	jar, _ := cookiejar.New(nil)

	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second, Jar: jar},
	}
}

// SetWeight updates the member profile weight, in kilograms. The vendor
// ignores the sample date; only the latest value is kept.
func (c *Client) SetWeight(ctx context.Context, weight float64, _ time.Time) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{"Weight": weight, "Units": "metric"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/members/profile", bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("weight write failed: %w", err)
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.loggedIn = false

		return fmt.Errorf("weight write: %w", vendors.ErrUnauthorized)
	case resp.StatusCode >= 300:
		return fmt.Errorf("weight write: unexpected status %d", resp.StatusCode)
	}

	return nil
}

func (c *Client) ensureLogin(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}

	form := url.Values{
		"Username": {c.username},
		"Password": {c.password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/app/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: %w", vendors.ErrUnauthorized)
	}

	c.loggedIn = true

	return nil
}
