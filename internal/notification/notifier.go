package notification

import (
	"context"
	"encoding/json"
	"fmt"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/lark"
	"github.com/lennardhq/letterflow/internal/models"
)

// Notifier sends operator notifications as chat messages. Every method is
// fire-and-forget: a lost notification is logged, never propagated, so
// the workflow step that produced it cannot fail on it.
type Notifier struct {
	client *lark.Client
	logger *zap.Logger
}

// NewNotifier creates a new notifier
func NewNotifier(client *lark.Client, logger *zap.Logger) *Notifier {
	return &Notifier{
		client: client,
		logger: logger,
	}
}

// NotifyDelivered announces a letter handed to the carrier.
func (n *Notifier) NotifyDelivered(ctx context.Context, record *models.ApprovalRecord) {
	text := fmt.Sprintf("Letter to %s (%s) is on its way. Carrier job %s, %d iteration(s).",
		record.RecipientName, record.CompanyName, record.TrackingID, record.CurrentIteration())
	n.send(ctx, record.ApprovalID, text)
}

// NotifyRejected announces a rejected draft.
func (n *Notifier) NotifyRejected(ctx context.Context, record *models.ApprovalRecord) {
	text := fmt.Sprintf("Letter to %s (%s) was rejected after %d iteration(s). The CRM task was reopened.",
		record.RecipientName, record.CompanyName, record.CurrentIteration())
	n.send(ctx, record.ApprovalID, text)
}

// NotifyFailed announces a workflow failure needing operator attention.
func (n *Notifier) NotifyFailed(ctx context.Context, record *models.ApprovalRecord, cause error) {
	text := fmt.Sprintf("Letter to %s (%s) failed: %v", record.RecipientName, record.CompanyName, cause)
	n.send(ctx, record.ApprovalID, text)
}

func (n *Notifier) send(ctx context.Context, approvalID, text string) {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		n.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("open_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(n.client.ReviewerOpenID()).
			MsgType("text").
			Content(string(content)).
			Build()).
		Build()

	resp, err := n.client.SDK().Im.Message.Create(ctx, req)
	if err != nil {
		n.logger.Warn("Failed to send notification",
			zap.String("approval_id", approvalID),
			zap.Error(err))
		return
	}
	if !resp.Success() {
		n.logger.Warn("Notification rejected",
			zap.String("approval_id", approvalID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
	}
}
