// Package profile talks to the dashboard's profile store and syncs it
// into the locally persisted schedule.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/storage"
)

// Remote is the dashboard's profile document.
type Remote struct {
	Email          string `json:"email"`
	Name           string `json:"name"`
	EmployeeID     string `json:"employeeId"`
	CateringOption string `json:"cateringOption"`
	Enabled        bool   `json:"enabled"`
}

// Client is the REST client for the profile store.
type Client struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
}

// NewClient creates a Client for the dashboard at baseURL.
func NewClient(logger *zap.Logger, baseURL string) *Client {
	return &Client{
		logger:  logger.Named("profile"),
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
	}
}

// Fetch pulls the current profile.
func (c *Client) Fetch(ctx context.Context) (Remote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profile", nil)
	if err != nil {
		return Remote{}, fmt.Errorf("failed to build profile request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Remote{}, fmt.Errorf("failed to fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Remote{}, fmt.Errorf("profile store returned %d", resp.StatusCode)
	}

	var remote Remote
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return Remote{}, fmt.Errorf("failed to decode profile: %w", err)
	}
	return remote, nil
}

// Update pushes profile fields back to the store.
func (c *Client) Update(ctx context.Context, remote Remote) error {
	body, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/profile", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build profile update: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("profile store returned %d", resp.StatusCode)
	}
	return nil
}

// Sync pulls the remote profile into the persisted schedule by
// read-modify-write, preserving the local target time. Returns the
// schedule as written so the caller can rearm from it.
func (c *Client) Sync(ctx context.Context, state *storage.State) (model.Schedule, error) {
	remote, err := c.Fetch(ctx)
	if err != nil {
		return model.Schedule{}, err
	}

	schedule, ok, err := state.Schedule(ctx)
	if err != nil {
		return model.Schedule{}, err
	}
	if !ok {
		schedule = model.DefaultSchedule()
	}

	schedule.Enabled = remote.Enabled
	schedule.Profile = &model.ReservationProfile{
		Email:          remote.Email,
		Name:           remote.Name,
		EmployeeID:     remote.EmployeeID,
		CateringOption: remote.CateringOption,
	}

	if err := state.SaveSchedule(ctx, schedule); err != nil {
		return model.Schedule{}, err
	}

	c.logger.Info("Profile synced into schedule",
		zap.String("email", remote.Email),
		zap.Bool("enabled", remote.Enabled))
	return schedule, nil
}
