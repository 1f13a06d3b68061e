package dossier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/config"
	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/internal/workflow"
)

// Client calls the dossier research service. Research is slow, commonly
// several minutes per contact, so the HTTP timeout comes from config and
// is much larger than usual.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *zap.Logger
}

// NewClient creates a new dossier service client
func NewClient(cfg config.DossierConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		logger:     logger,
	}
}

type dossierRequest struct {
	ContactName string         `json:"contact_name"`
	Company     string         `json:"company,omitempty"`
	ProfileID   string         `json:"profile_id"`
	ProfileURL  string         `json:"profile_url,omitempty"`
	Headline    string         `json:"headline,omitempty"`
	Location    string         `json:"location,omitempty"`
	RawProfile  map[string]any `json:"raw_profile,omitempty"`
}

type dossierResponse struct {
	PersonMarkdown  string `json:"person_markdown"`
	CompanyMarkdown string `json:"company_markdown"`
	CompanyName     string `json:"company_name"`
	MailingAddress  *struct {
		Street     string `json:"street"`
		City       string `json:"city"`
		State      string `json:"state"`
		PostalCode string `json:"postal_code"`
		Country    string `json:"country"`
	} `json:"mailing_address"`
}

// GenerateDossier researches the contact and their company. The returned
// bundle carries the raw markdown plus the structured fields mined from
// it.
func (c *Client) GenerateDossier(ctx context.Context, contact *models.Contact, profile *models.Profile) (*models.DossierBundle, error) {
	reqBody := dossierRequest{
		ContactName: contact.FullName,
		Company:     contact.Company,
		ProfileID:   contact.ProfileID,
	}
	if profile != nil {
		reqBody.ProfileURL = profile.ProfileURL
		reqBody.Headline = profile.Headline
		reqBody.Location = profile.Location
		reqBody.RawProfile = profile.RawData
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dossier request: %w", err)
	}

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/dossiers", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, workflow.NewTransientError("generate_dossier", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, workflow.NewTransientError("generate_dossier",
				fmt.Errorf("dossier service returned %d: %s", resp.StatusCode, body))
		}
		return nil, workflow.NewValidationError("generate_dossier",
			fmt.Errorf("dossier service returned %d: %s", resp.StatusCode, body))
	}

	var payload dossierResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, workflow.NewTransientError("generate_dossier",
			fmt.Errorf("failed to decode dossier: %w", err))
	}
	if payload.PersonMarkdown == "" {
		return nil, workflow.NewValidationError("generate_dossier",
			fmt.Errorf("dossier for %s came back empty", contact.FullName))
	}

	bundle := &models.DossierBundle{
		PersonDossier:  payload.PersonMarkdown,
		CompanyDossier: payload.CompanyMarkdown,
		CompanyName:    payload.CompanyName,
		Metadata:       ParseMetadata(payload.PersonMarkdown),
		GeneratedAt:    time.Now().UTC(),
	}
	if bundle.CompanyName == "" {
		bundle.CompanyName = contact.Company
	}
	if payload.MailingAddress != nil {
		bundle.MailingAddress = &models.MailingAddress{
			Street:     payload.MailingAddress.Street,
			City:       payload.MailingAddress.City,
			State:      payload.MailingAddress.State,
			PostalCode: payload.MailingAddress.PostalCode,
			Country:    payload.MailingAddress.Country,
		}
	}

	c.logger.Info("Generated dossier",
		zap.String("contact", contact.FullName),
		zap.String("company", bundle.CompanyName),
		zap.Bool("has_address", bundle.MailingAddress.IsValid()),
		zap.Duration("took", time.Since(started)))
	return bundle, nil
}
