// Package garmin is the write-path client for the watch vendor. There is
// no OAuth surface; the connection stores a username and password and the
// client holds a session cookie after login.
package garmin

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

const (
	defaultBaseURL = "https://connect.garmin.com"
	defaultSSOURL  = "https://sso.garmin.com/sso"
)

// Config overrides the endpoints, for tests.
type Config struct {
	BaseURL string
	SSOURL  string
}

// Client logs in lazily on the first write and keeps the session for the
// lifetime of the process task.
type Client struct {
	baseURL  string
	ssoURL   string
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

	ssoURL := cfg.SSOURL
	if ssoURL == "" {
		ssoURL = defaultSSOURL
	}

	jar, _ := cookiejar.New(nil)

	return &Client{
		baseURL:  baseURL,
		ssoURL:   ssoURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second, Jar: jar},
	}
}

// SetWeight records one weight sample, in kilograms, on the account.
func (c *Client) SetWeight(ctx context.Context, weight float64, date time.Time) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"dateTimestamp": date.UTC().Format("2006-01-02T15:04:05.0"),
		"gmtTimestamp":  date.UTC().Format("2006-01-02T15:04:05.0"),
		"unitKey":       "kg",
		"value":         weight,
		"sourceType":    "MANUAL",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/weight-service/user-weight", bytes.NewReader(payload))
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
		"username": {c.username},
		"password": {c.password},
		"embed":    {"false"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.ssoURL+"/signin", strings.NewReader(form.Encode()))
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
