package pdf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/config"
	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/internal/workflow"
)

// Template field names understood by the letter template. The template
// itself is German, matching the printed letters.
const (
	fieldSubject  = "Betreff"
	fieldGreeting = "Anrede"
	fieldBody     = "Brieftext"
	fieldSender   = "Absender"
	fieldAddress  = "Empfaengeradresse"
)

// Client renders letter content into a printable PDF through the
// template render service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	templateID string
	logger     *zap.Logger
}

// NewClient creates a new render service client
func NewClient(cfg config.PDFConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		templateID: cfg.TemplateID,
		logger:     logger,
	}
}

// RenderLetter fills the letter template and returns the PDF bytes. The
// recipient address block is rendered into the envelope window when an
// address is known; rendering without one is allowed because drafts are
// previewed before any address is required.
func (c *Client) RenderLetter(ctx context.Context, letter *models.LetterContent, addr *models.MailingAddress) ([]byte, error) {
	fields := map[string]string{
		fieldSubject:  letter.Subject,
		fieldGreeting: letter.Greeting,
		fieldBody:     letter.Body,
		fieldSender:   letter.SenderName,
	}
	if addr.IsValid() {
		fields[fieldAddress] = formatAddressBlock(letter.RecipientName, addr)
	}

	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal render request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/templates/%s/render", c.baseURL, c.templateID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, workflow.NewTransientError("render_pdf", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return nil, workflow.NewTransientError("render_pdf",
				fmt.Errorf("render service returned %d: %s", resp.StatusCode, respBody))
		}
		return nil, workflow.NewValidationError("render_pdf",
			fmt.Errorf("render service returned %d: %s", resp.StatusCode, respBody))
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, workflow.NewTransientError("render_pdf", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return nil, workflow.NewTransientError("render_pdf",
			fmt.Errorf("render service returned %d bytes that are not a PDF", len(pdf)))
	}

	c.logger.Debug("Rendered letter PDF",
		zap.String("subject", letter.Subject),
		zap.Int("bytes", len(pdf)))
	return pdf, nil
}

func formatAddressBlock(recipientName string, addr *models.MailingAddress) string {
	lines := []string{recipientName, addr.Street}
	city := strings.TrimSpace(addr.PostalCode + " " + addr.City)
	if addr.State != "" {
		city += ", " + addr.State
	}
	lines = append(lines, city, addr.Country)
	return strings.Join(lines, "\n")
}
