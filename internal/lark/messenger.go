package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/internal/workflow"
)

// Card action names carried back through the decision webhook.
const (
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
)

// Messenger presents letter drafts to the reviewer as interactive cards.
// Each card carries the draft text, the rendered PDF as an attached file,
// a feedback input and three decision buttons whose values key back to
// the approval ID.
type Messenger struct {
	client *Client
	logger *zap.Logger
}

// NewMessenger creates a new approval messenger
func NewMessenger(client *Client, logger *zap.Logger) *Messenger {
	return &Messenger{
		client: client,
		logger: logger,
	}
}

// SendApprovalRequest sends the draft card to the reviewer. The rendered
// PDF is uploaded first so the reviewer sees exactly what would be
// printed.
func (m *Messenger) SendApprovalRequest(ctx context.Context, record *models.ApprovalRecord) error {
	if len(record.RenderedPDF) > 0 {
		if err := m.sendPDF(ctx, record); err != nil {
			// The card alone still lets the reviewer decide; a failed
			// upload is logged but not fatal.
			m.logger.Warn("Failed to send letter PDF to reviewer",
				zap.String("approval_id", record.ApprovalID),
				zap.Error(err))
		}
	}

	card, err := buildApprovalCard(record)
	if err != nil {
		return err
	}
	return m.sendMessage(ctx, "interactive", card)
}

func (m *Messenger) sendPDF(ctx context.Context, record *models.ApprovalRecord) error {
	filename := fmt.Sprintf("letter_%s_v%d.pdf", record.ApprovalID, record.CurrentIteration())
	uploadReq := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType("pdf").
			FileName(filename).
			File(bytes.NewReader(record.RenderedPDF)).
			Build()).
		Build()

	uploadResp, err := m.client.SDK().Im.File.Create(ctx, uploadReq)
	if err != nil {
		return workflow.NewTransientError("request_approval", err)
	}
	if !uploadResp.Success() {
		return workflow.NewTransientError("request_approval",
			fmt.Errorf("file upload failed: code=%d, msg=%s", uploadResp.Code, uploadResp.Msg))
	}
	if uploadResp.Data == nil || uploadResp.Data.FileKey == nil {
		return workflow.NewTransientError("request_approval",
			fmt.Errorf("file upload returned no file key"))
	}

	content, err := json.Marshal(map[string]string{"file_key": *uploadResp.Data.FileKey})
	if err != nil {
		return err
	}
	return m.sendMessage(ctx, "file", string(content))
}

func (m *Messenger) sendMessage(ctx context.Context, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("open_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(m.client.ReviewerOpenID()).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.SDK().Im.Message.Create(ctx, req)
	if err != nil {
		return workflow.NewTransientError("request_approval", err)
	}
	if !resp.Success() {
		return workflow.NewTransientError("request_approval",
			fmt.Errorf("message send failed: code=%d, msg=%s", resp.Code, resp.Msg))
	}
	return nil
}

func buildApprovalCard(record *models.ApprovalRecord) (string, error) {
	title := fmt.Sprintf("Letter to %s", record.RecipientName)
	if record.CompanyName != "" {
		title += fmt.Sprintf(" (%s)", record.CompanyName)
	}
	if record.CurrentIteration() > 1 {
		title += fmt.Sprintf(", revision %d", record.CurrentIteration())
	}

	draft := fmt.Sprintf("**%s**\n\n%s\n\n%s",
		record.CurrentLetter.Subject,
		record.CurrentLetter.Greeting,
		record.CurrentLetter.Body)

	card := map[string]any{
		"config": map[string]any{"wide_screen_mode": true},
		"header": map[string]any{
			"title":    map[string]any{"tag": "plain_text", "content": title},
			"template": "blue",
		},
		"elements": []any{
			map[string]any{
				"tag":     "markdown",
				"content": draft,
			},
			map[string]any{"tag": "hr"},
			map[string]any{
				"tag":  "input",
				"name": "feedback",
				"placeholder": map[string]any{
					"tag":     "plain_text",
					"content": "Feedback for a revision (required for Request changes)",
				},
			},
			map[string]any{
				"tag": "action",
				"actions": []any{
					cardButton("Approve and mail", "primary", ActionApprove, record.ApprovalID),
					cardButton("Request changes", "default", ActionRequestChanges, record.ApprovalID),
					cardButton("Reject", "danger", ActionReject, record.ApprovalID),
				},
			},
		},
	}

	data, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("failed to marshal approval card: %w", err)
	}
	return string(data), nil
}

func cardButton(label, style, action, approvalID string) map[string]any {
	return map[string]any{
		"tag":  "button",
		"text": map[string]any{"tag": "plain_text", "content": label},
		"type": style,
		"value": map[string]any{
			"action":      action,
			"approval_id": approvalID,
		},
	}
}
