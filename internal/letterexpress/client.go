package letterexpress

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/config"
	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/internal/workflow"
)

// Client submits rendered letters to the LetterExpress print-and-mail
// API. Submission is not idempotent on the carrier side, so every error
// that reaches the caller is a delivery error and must not be retried.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	apiKey     string
	color      string
	duplex     bool
	shipping   string
	maxPages   int
	logger     *zap.Logger
}

// NewClient creates a new LetterExpress client
func NewClient(cfg config.LetterExpressConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		apiKey:     cfg.APIKey,
		color:      cfg.Color,
		duplex:     cfg.Duplex,
		shipping:   cfg.Shipping,
		maxPages:   cfg.MaxPages,
		logger:     logger,
	}
}

// CountPages opens the PDF and returns its page count.
func CountPages(pdf []byte) (int, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// Balance retrieves the prepaid account balance. Used as a connectivity
// and credential check at startup; a low balance is an operator problem,
// not a workflow error.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	reqBody := struct {
		Auth authBlock `json:"auth"`
	}{Auth: authBlock{Username: c.username, APIKey: c.apiKey}}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/getBalance", bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("balance check returned %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
		Balance struct {
			Value json.Number `json:"value"`
		} `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}
	if result.Status != 200 {
		return 0, fmt.Errorf("balance check rejected: status %d, %s", result.Status, result.Message)
	}
	value, err := result.Balance.Value.Float64()
	if err != nil {
		return 0, fmt.Errorf("unparseable balance %q", result.Balance.Value)
	}
	return value, nil
}

type submitRequest struct {
	Auth   authBlock   `json:"auth"`
	Letter letterBlock `json:"letter"`
}

type authBlock struct {
	Username string `json:"username"`
	APIKey   string `json:"apikey"`
}

type letterBlock struct {
	Base64File     string    `json:"base64_file"`
	Base64Checksum string    `json:"base64_checksum"`
	Specification  specBlock `json:"specification"`
}

type specBlock struct {
	Color string `json:"color"`
	Mode  string `json:"mode"`
	Ship  string `json:"ship"`
}

// SubmitLetter validates the PDF against the carrier's page limit and
// hands it over for printing and mailing. It returns the carrier job ID.
func (c *Client) SubmitLetter(ctx context.Context, approvalID string, pdf []byte, addr *models.MailingAddress) (string, error) {
	if !addr.IsValid() {
		return "", workflow.NewDeliveryError("deliver",
			fmt.Errorf("letter %s has no deliverable address", approvalID))
	}

	// The carrier rejects oversized jobs after upload; checking locally
	// keeps the rejection cheap and gives a precise error.
	if c.maxPages > 0 {
		pages, err := CountPages(pdf)
		if err != nil {
			return "", workflow.NewDeliveryError("deliver", err)
		}
		if pages > c.maxPages {
			return "", workflow.NewDeliveryError("deliver",
				fmt.Errorf("letter %s has %d pages, carrier limit is %d", approvalID, pages, c.maxPages))
		}
	}

	encoded := base64.StdEncoding.EncodeToString(pdf)
	checksum := md5.Sum([]byte(encoded))

	mode := "simplex"
	if c.duplex {
		mode = "duplex"
	}
	reqBody := submitRequest{
		Auth: authBlock{Username: c.username, APIKey: c.apiKey},
		Letter: letterBlock{
			Base64File:     encoded,
			Base64Checksum: hex.EncodeToString(checksum[:]),
			Specification: specBlock{
				Color: c.color,
				Mode:  mode,
				Ship:  c.shipping,
			},
		},
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", workflow.NewDeliveryError("deliver", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/setJob", bytes.NewReader(data))
	if err != nil {
		return "", workflow.NewDeliveryError("deliver", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", workflow.NewDeliveryError("deliver", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", workflow.NewDeliveryError("deliver",
			fmt.Errorf("carrier returned %d: %s", resp.StatusCode, body))
	}

	var result struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
		Letter  struct {
			JobID json.Number `json:"job_id"`
		} `json:"letter"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", workflow.NewDeliveryError("deliver",
			fmt.Errorf("failed to decode carrier response: %w", err))
	}
	if result.Status != 200 || result.Letter.JobID.String() == "" {
		return "", workflow.NewDeliveryError("deliver",
			fmt.Errorf("carrier rejected job: status %d, %s", result.Status, result.Message))
	}

	jobID := result.Letter.JobID.String()
	c.logger.Info("Letter handed to carrier",
		zap.String("approval_id", approvalID),
		zap.String("job_id", jobID),
		zap.Int("pdf_bytes", len(pdf)))
	return jobID, nil
}
