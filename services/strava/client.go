// Package strava wraps the activity provider: OAuth-refreshed REST
// client, the full-sync worker and the webhook events worker.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/vendors"
)

const defaultBaseURL = "https://www.strava.com/api/v3"

// Config carries the application's API credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	VerifyToken  string

	// BaseURL overrides the API root, for tests.
	BaseURL string
}

// Client is a thin REST wrapper. The access token is read through a
// function so the refresh guard can swap it mid-run.
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

// RefreshToken exchanges the refresh token for a fresh credential blob.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (models.Credentials, error) {
	conf := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	ans := models.Credentials{
		"access_token": token.AccessToken,
		"expires_at":   token.Expiry.Unix(),
	}

	// The vendor may rotate the refresh token; keep the old one when it
	// does not.
	if token.RefreshToken != "" {
		ans["refresh_token"] = token.RefreshToken
	} else {
		ans["refresh_token"] = refreshToken
	}

	return ans, nil
}

// FetchAthlete returns the connected athlete's id.
func (c *Client) FetchAthlete(ctx context.Context) (int64, error) {
	var body struct {
		ID int64 `json:"id"`
	}

	if err := c.get(ctx, "/athlete", &body); err != nil {
		return 0, err
	}

	return body.ID, nil
}

// FetchActivities returns activity summaries, newest first.
func (c *Client) FetchActivities(ctx context.Context) ([]models.Activity, error) {
	var body []activityPayload

	if err := c.get(ctx, "/athlete/activities", &body); err != nil {
		return nil, err
	}

	ans := make([]models.Activity, 0, len(body))
	for i := range body {
		ans = append(ans, body[i].toModel())
	}

	return ans, nil
}

// FetchActivity returns the detailed record of one activity.
func (c *Client) FetchActivity(ctx context.Context, id int64) (*models.Activity, error) {
	var body activityPayload

	if err := c.get(ctx, fmt.Sprintf("/activities/%d", id), &body); err != nil {
		return nil, err
	}

	activity := body.toModel()

	return &activity, nil
}

type activityPayload struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Distance    float64   `json:"distance"`
	MovingTime  int64     `json:"moving_time"`
	ElapsedTime int64     `json:"elapsed_time"`
	StartDate   time.Time `json:"start_date"`
	Athlete     struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
}

func (p *activityPayload) toModel() models.Activity {
	return models.Activity{
		ID:          p.ID,
		Name:        p.Name,
		Distance:    p.Distance,
		MovingTime:  p.MovingTime,
		ElapsedTime: p.ElapsedTime,
		StartDate:   p.StartDate,
		AthleteID:   p.Athlete.ID,
	}
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.token())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %s: %w", path, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", path, vendors.ErrUnauthorized)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}
