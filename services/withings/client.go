// Package withings wraps the body-composition provider: its enveloped
// REST API, the full-sync worker that replaces the measurement series and
// maintains the webhook registration, and the events worker.
package withings

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/vendors"
)

const defaultBaseURL = "https://wbsapi.withings.net"

// Measurement types of interest.
const (
	measureTypeWeight   = 1
	measureTypeFatRatio = 8
)

// API status codes. Anything outside statusOK is a failure; the
// unauthorized band maps to the refresh guard's retry signal.
const (
	statusOK                = 0
	statusUnauthorizedLow   = 100
	statusUnauthorizedHigh  = 101
	statusInvalidToken      = 401
	statusUnauthorizedToken = 2555
)

// Config carries the application's API credentials.
type Config struct {
	ClientID     string
	ClientSecret string

	// BaseURL overrides the API root, for tests.
	BaseURL string
}

// Client is a thin wrapper over the enveloped API: every response is
// {status, body} with status 0 on success.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	token   func() string
}

// NewClient builds a client reading its access token from token.
func NewClient(cfg Config, token func() string) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   token,
	}
}

// RefreshToken exchanges the refresh token through the enveloped token
// endpoint.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (models.Credentials, error) {
	form := url.Values{
		"action":        {"requesttoken"},
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}

	if err := c.call(ctx, "/v2/oauth2", form, false, &body); err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return models.Credentials{
		"access_token":  body.AccessToken,
		"refresh_token": body.RefreshToken,
		"expires_at":    time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second).Unix(),
	}, nil
}

// FetchMeasurements returns weight and fat-ratio samples inside the
// window, oldest first.
func (c *Client) FetchMeasurements(ctx context.Context, window vendors.Window) ([]models.Measure, error) {
	form := url.Values{
		"action":    {"getmeas"},
		"meastypes": {fmt.Sprintf("%d,%d", measureTypeWeight, measureTypeFatRatio)},
	}

	if !window.Start.IsZero() {
		form.Set("startdate", strconv.FormatInt(window.Start.Unix(), 10))
	}

	if !window.End.IsZero() {
		form.Set("enddate", strconv.FormatInt(window.End.Unix(), 10))
	}

	var body struct {
		MeasureGroups []struct {
			Date     int64 `json:"date"`
			Measures []struct {
				Value int64 `json:"value"`
				Type  int   `json:"type"`
				Unit  int   `json:"unit"`
			} `json:"measures"`
		} `json:"measuregrps"`
	}

	if err := c.call(ctx, "/measure", form, true, &body); err != nil {
		return nil, err
	}

	ans := make([]models.Measure, 0, len(body.MeasureGroups))

	for _, grp := range body.MeasureGroups {
		measure := models.Measure{Date: time.Unix(grp.Date, 0).UTC()}

		for _, m := range grp.Measures {
			value := float64(m.Value) * math.Pow10(m.Unit)

			switch m.Type {
			case measureTypeWeight:
				measure.Weight = value
			case measureTypeFatRatio:
				measure.FatRatio = value
			}
		}

		ans = append(ans, measure)
	}

	sort.Slice(ans, func(i, j int) bool { return ans[i].Date.Before(ans[j].Date) })

	return ans, nil
}

// ListSubscriptions returns the callback URLs currently registered at the
// vendor.
func (c *Client) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	var body struct {
		Profiles []struct {
			CallbackURL string `json:"callbackurl"`
			Comment     string `json:"comment"`
		} `json:"profiles"`
	}

	if err := c.call(ctx, "/notify", url.Values{"action": {"list"}}, true, &body); err != nil {
		return nil, err
	}

	ans := make([]models.Subscription, 0, len(body.Profiles))
	for _, p := range body.Profiles {
		ans = append(ans, models.Subscription{CallbackURL: p.CallbackURL, Comment: p.Comment})
	}

	return ans, nil
}

// Subscribe registers callbackURL for measurement notifications.
func (c *Client) Subscribe(ctx context.Context, callbackURL, comment string) error {
	form := url.Values{
		"action":      {"subscribe"},
		"callbackurl": {callbackURL},
		"comment":     {comment},
	}

	return c.call(ctx, "/notify", form, true, nil)
}

// Revoke removes the registration for callbackURL.
func (c *Client) Revoke(ctx context.Context, callbackURL string) error {
	form := url.Values{
		"action":      {"revoke"},
		"callbackurl": {callbackURL},
	}

	return c.call(ctx, "/notify", form, true, nil)
}

func (c *Client) call(ctx context.Context, path string, form url.Values, authed bool, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %s: %w", path, err)
	}

	defer resp.Body.Close()

	var envelope struct {
		Status int             `json:"status"`
		Error  string          `json:"error"`
		Body   json.RawMessage `json:"body"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response for %s: %w", path, err)
	}

	if envelope.Status != statusOK {
		if isUnauthorizedStatus(envelope.Status) {
			return fmt.Errorf("%s: status %d: %w", path, envelope.Status, vendors.ErrUnauthorized)
		}

		return fmt.Errorf("api error for %s: status %d: %s", path, envelope.Status, envelope.Error)
	}

	if dest == nil || len(envelope.Body) == 0 {
		return nil
	}

	return json.Unmarshal(envelope.Body, dest)
}

func isUnauthorizedStatus(status int) bool {
	switch status {
	case statusUnauthorizedLow, statusUnauthorizedHigh, statusInvalidToken, statusUnauthorizedToken:
		return true
	default:
		return false
	}
}
