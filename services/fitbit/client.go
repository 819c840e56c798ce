// Package fitbit wraps the secondary body-composition provider and its
// full-sync worker.
package fitbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/vendors"
)

const defaultBaseURL = "https://api.fitbit.com"

const dateFormat = "2006-01-02"

// Config carries the application's API credentials.
type Config struct {
	ClientID     string
	ClientSecret string

	// BaseURL overrides the API root, for tests.
	BaseURL string
}

// Client is a thin REST wrapper over the weight and fat time series.
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

// RefreshToken exchanges the refresh token at the standard token
// endpoint; the vendor requires basic auth with the client credentials.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (models.Credentials, error) {
	conf := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return models.Credentials{
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"expires_at":    token.Expiry.Unix(),
	}, nil
}

type seriesEntry struct {
	DateTime string `json:"dateTime"`
	Value    string `json:"value"`
}

// FetchMeasurements merges the weight and fat time series into dated
// samples, oldest first. An open window reads the vendor's full history.
func (c *Client) FetchMeasurements(ctx context.Context, window vendors.Window) ([]models.Measure, error) {
	weight, err := c.fetchSeries(ctx, "weight", window)
	if err != nil {
		return nil, err
	}

	fat, err := c.fetchSeries(ctx, "fat", window)
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]*models.Measure)

	for _, entry := range weight {
		m := measureAt(byDate, entry.DateTime)
		if m == nil {
			continue
		}

		m.Weight, _ = strconv.ParseFloat(entry.Value, 64)
	}

	for _, entry := range fat {
		m := measureAt(byDate, entry.DateTime)
		if m == nil {
			continue
		}

		m.FatRatio, _ = strconv.ParseFloat(entry.Value, 64)
	}

	ans := make([]models.Measure, 0, len(byDate))
	for _, m := range byDate {
		ans = append(ans, *m)
	}

	sort.Slice(ans, func(i, j int) bool { return ans[i].Date.Before(ans[j].Date) })

	return ans, nil
}

func measureAt(byDate map[string]*models.Measure, dateTime string) *models.Measure {
	if m, ok := byDate[dateTime]; ok {
		return m
	}

	date, err := time.Parse(dateFormat, dateTime)
	if err != nil {
		return nil
	}

	m := &models.Measure{Date: date.UTC()}
	byDate[dateTime] = m

	return m
}

func (c *Client) fetchSeries(ctx context.Context, resource string, window vendors.Window) ([]seriesEntry, error) {
	var path string

	if window.Start.IsZero() {
		path = fmt.Sprintf("/1/user/-/body/%s/date/today/max.json", resource)
	} else {
		end := window.End
		if end.IsZero() {
			end = time.Now().UTC()
		}

		path = fmt.Sprintf("/1/user/-/body/%s/date/%s/%s.json",
			resource, window.Start.Format(dateFormat), end.Format(dateFormat))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %s: %w", path, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%s: %w", path, vendors.ErrUnauthorized)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
	}

	var body map[string][]seriesEntry
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response for %s: %w", path, err)
	}

	return body["body-"+resource], nil
}
