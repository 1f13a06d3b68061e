package zoho

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/config"
	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/internal/workflow"
)

// Task statuses as Zoho stores them for a German-locale org.
const (
	statusNotStarted = "Nicht gestartet"
	statusInProgress = "In Bearbeitung"
	statusCompleted  = "Abgeschlossen"
)

// Client talks to the Zoho CRM v2 REST API. It implements the task source
// side of the pipeline: task selection, contact lookup and status
// reporting.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accountsURL string

	clientID     string
	clientSecret string
	refreshToken string
	taskOwnerID  string
	taskSubject  string

	logger *zap.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewClient creates a new Zoho CRM client
func NewClient(cfg config.ZohoConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.APITimeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		accountsURL:  strings.TrimRight(cfg.AccountsURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		refreshToken: cfg.RefreshToken,
		taskOwnerID:  cfg.TaskOwnerID,
		taskSubject:  cfg.TaskSubject,
		logger:       logger,
	}
}

// token returns a valid access token, refreshing it when expired. Zoho
// access tokens live for an hour; a 60s safety margin avoids racing the
// expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.expiresAt.Add(-60*time.Second)) {
		return c.accessToken, nil
	}

	form := url.Values{
		"refresh_token": {c.refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.accountsURL+"/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", workflow.NewTransientError("zoho_auth", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", workflow.NewTransientError("zoho_auth",
			fmt.Errorf("token refresh returned %d: %s", resp.StatusCode, body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", workflow.NewTransientError("zoho_auth", err)
	}
	if tokenResp.Error != "" || tokenResp.AccessToken == "" {
		return "", workflow.NewTransientError("zoho_auth",
			fmt.Errorf("token refresh rejected: %s", tokenResp.Error))
	}

	c.accessToken = tokenResp.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	c.logger.Debug("Refreshed Zoho access token")
	return c.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// doJSON performs an authenticated JSON request. A 401 invalidates the
// cached token and the request is retried once with a fresh one.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	err := c.doJSONOnce(ctx, method, path, query, body, out)
	var authErr *authError
	if errors.As(err, &authErr) {
		c.invalidateToken()
		err = c.doJSONOnce(ctx, method, path, query, body, out)
		if errors.As(err, &authErr) {
			return workflow.NewTransientError("zoho", authErr.cause)
		}
	}
	return err
}

type authError struct {
	cause error
}

func (e *authError) Error() string { return e.cause.Error() }

func (c *Client) doJSONOnce(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return workflow.NewTransientError("zoho", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &authError{cause: fmt.Errorf("%s %s returned 401", method, path)}
	case resp.StatusCode == http.StatusNotFound:
		return workflow.NewValidationError("zoho", fmt.Errorf("%s %s returned 404", method, path))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return workflow.NewTransientError("zoho",
			fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, respBody))
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return workflow.NewValidationError("zoho",
			fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, respBody))
	}
}

type taskRecord struct {
	ID      string `json:"id"`
	Subject string `json:"Subject"`
	Status  string `json:"Status"`
	WhoID   *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"Who_Id"`
	WhatID *struct {
		ID string `json:"id"`
	} `json:"What_Id"`
	CreatedTime string `json:"Created_Time"`
}

// SelectTasks returns open outreach tasks owned by the configured user,
// oldest first, truncated to max. Tasks without a linked contact are
// skipped.
func (c *Client) SelectTasks(ctx context.Context, max int) ([]models.TaskRef, error) {
	criteria := fmt.Sprintf("((Subject:equals:%s)and(Status:equals:%s)and(Owner:equals:%s))",
		c.taskSubject, statusNotStarted, c.taskOwnerID)
	query := url.Values{"criteria": {criteria}}

	var searchResp struct {
		Data []taskRecord `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/Tasks/search", query, nil, &searchResp); err != nil {
		// Zoho answers an empty search with 204, which doJSON treats as
		// success, so any error here is a real failure.
		return nil, err
	}

	tasks := make([]models.TaskRef, 0, len(searchResp.Data))
	for _, rec := range searchResp.Data {
		if rec.WhoID == nil || rec.WhoID.ID == "" {
			c.logger.Warn("Skipping task without linked contact", zap.String("task_id", rec.ID))
			continue
		}
		created, err := time.Parse(time.RFC3339, rec.CreatedTime)
		if err != nil {
			created = time.Time{}
		}
		task := models.TaskRef{
			ID:          rec.ID,
			Subject:     rec.Subject,
			ContactID:   rec.WhoID.ID,
			ContactName: rec.WhoID.Name,
			CreatedTime: created,
		}
		if rec.WhatID != nil {
			task.CompanyID = rec.WhatID.ID
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedTime.Before(tasks[j].CreatedTime)
	})
	if max > 0 && len(tasks) > max {
		tasks = tasks[:max]
	}
	return tasks, nil
}

type contactRecord struct {
	ID          string `json:"id"`
	FullName    string `json:"Full_Name"`
	Email       string `json:"Email"`
	Phone       string `json:"Phone"`
	LinkedInID  string `json:"LinkedIn_ID"`
	AccountName *struct {
		Name string `json:"name"`
	} `json:"Account_Name"`
	MailingStreet  string `json:"Mailing_Street"`
	MailingCity    string `json:"Mailing_City"`
	MailingState   string `json:"Mailing_State"`
	MailingZip     string `json:"Mailing_Zip"`
	MailingCountry string `json:"Mailing_Country"`
}

// GetContact retrieves a contact by ID.
func (c *Client) GetContact(ctx context.Context, contactID string) (*models.Contact, error) {
	var resp struct {
		Data []contactRecord `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/Contacts/"+contactID, nil, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, workflow.NewValidationError("zoho", fmt.Errorf("contact %s not found", contactID))
	}

	rec := resp.Data[0]
	contact := &models.Contact{
		ID:        rec.ID,
		FullName:  rec.FullName,
		Email:     rec.Email,
		Phone:     rec.Phone,
		ProfileID: rec.LinkedInID,
	}
	if rec.AccountName != nil {
		contact.Company = rec.AccountName.Name
	}
	addr := &models.MailingAddress{
		Street:     rec.MailingStreet,
		City:       rec.MailingCity,
		State:      rec.MailingState,
		PostalCode: rec.MailingZip,
		Country:    rec.MailingCountry,
	}
	if addr.IsValid() {
		contact.MailingAddress = addr
	}
	return contact, nil
}

// UpdateContactAddress patches the mailing address fields of a contact.
func (c *Client) UpdateContactAddress(ctx context.Context, contactID string, addr *models.MailingAddress) error {
	if !addr.IsValid() {
		return workflow.NewValidationError("zoho", fmt.Errorf("refusing to store incomplete address for contact %s", contactID))
	}
	body := map[string]any{
		"data": []map[string]any{{
			"id":              contactID,
			"Mailing_Street":  addr.Street,
			"Mailing_City":    addr.City,
			"Mailing_State":   addr.State,
			"Mailing_Zip":     addr.PostalCode,
			"Mailing_Country": addr.Country,
		}},
	}
	return c.doJSON(ctx, http.MethodPut, "/Contacts", nil, body, nil)
}

func (c *Client) updateTaskStatus(ctx context.Context, taskID, status string) error {
	body := map[string]any{
		"data": []map[string]any{{
			"id":     taskID,
			"Status": status,
		}},
	}
	return c.doJSON(ctx, http.MethodPut, "/Tasks", nil, body, nil)
}

// MarkTaskInProgress moves a task out of the selectable pool.
func (c *Client) MarkTaskInProgress(ctx context.Context, taskID string) error {
	return c.updateTaskStatus(ctx, taskID, statusInProgress)
}

// MarkTaskCompleted closes a task after successful delivery.
func (c *Client) MarkTaskCompleted(ctx context.Context, taskID string) error {
	return c.updateTaskStatus(ctx, taskID, statusCompleted)
}

// MarkTaskNotCompleted returns a task to the selectable pool.
func (c *Client) MarkTaskNotCompleted(ctx context.Context, taskID string) error {
	return c.updateTaskStatus(ctx, taskID, statusNotStarted)
}

// AttachFile uploads a file as a task attachment.
func (c *Client) AttachFile(ctx context.Context, taskID, filename string, data []byte) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/Tasks/%s/Attachments", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return workflow.NewTransientError("zoho_attach", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return workflow.NewTransientError("zoho_attach",
			fmt.Errorf("attachment upload returned %d: %s", resp.StatusCode, respBody))
	}
	return nil
}

// CreateFollowUpTask creates a new task on the contact due at the given
// time and returns its ID.
func (c *Client) CreateFollowUpTask(ctx context.Context, contactID, subject string, due time.Time) (string, error) {
	body := map[string]any{
		"data": []map[string]any{{
			"Subject":  subject,
			"Status":   statusNotStarted,
			"Who_Id":   map[string]string{"id": contactID},
			"Due_Date": due.Format("2006-01-02"),
			"Owner":    map[string]string{"id": c.taskOwnerID},
		}},
	}
	var resp struct {
		Data []struct {
			Details struct {
				ID string `json:"id"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/Tasks", nil, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", workflow.NewTransientError("zoho", fmt.Errorf("task creation returned no record"))
	}
	return resp.Data[0].Details.ID, nil
}
