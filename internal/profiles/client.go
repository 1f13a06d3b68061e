package profiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/config"
	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/internal/workflow"
)

// Client fetches stored profile data for a contact's public profile
// identifier.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *zap.Logger
}

// NewClient creates a new profile store client
func NewClient(cfg config.ProfilesConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		logger:     logger,
	}
}

// GetProfile retrieves a profile by its public identifier. A profile the
// store has never seen is a validation failure: there is nothing to
// research a letter from.
func (c *Client) GetProfile(ctx context.Context, profileID string) (*models.Profile, error) {
	endpoint := c.baseURL + "/profiles/" + url.PathEscape(profileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, workflow.NewTransientError("load_profile", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, workflow.NewValidationError("load_profile",
			fmt.Errorf("profile %s not found in store", profileID))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, workflow.NewTransientError("load_profile",
			fmt.Errorf("profile store returned %d: %s", resp.StatusCode, body))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, workflow.NewValidationError("load_profile",
			fmt.Errorf("profile store returned %d: %s", resp.StatusCode, body))
	}

	var payload struct {
		ProfileID  string         `json:"profile_id"`
		ProfileURL string         `json:"profile_url"`
		FullName   string         `json:"full_name"`
		Headline   string         `json:"headline"`
		Location   string         `json:"location"`
		Company    string         `json:"company"`
		RawData    map[string]any `json:"raw_data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, workflow.NewTransientError("load_profile",
			fmt.Errorf("failed to decode profile: %w", err))
	}

	profile := &models.Profile{
		ProfileID:  payload.ProfileID,
		ProfileURL: payload.ProfileURL,
		FullName:   payload.FullName,
		Headline:   payload.Headline,
		Location:   payload.Location,
		Company:    payload.Company,
		RawData:    payload.RawData,
	}
	if profile.ProfileID == "" {
		profile.ProfileID = profileID
	}
	c.logger.Debug("Loaded profile",
		zap.String("profile_id", profile.ProfileID),
		zap.String("headline", profile.Headline))
	return profile, nil
}
