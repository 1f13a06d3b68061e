package lark

import (
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/config"
)

// Client wraps the Lark SDK client
type Client struct {
	client         *lark.Client
	reviewerOpenID string
	logger         *zap.Logger
}

// NewClient creates a new Lark client
func NewClient(cfg config.LarkConfig, logger *zap.Logger) *Client {
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	)

	return &Client{
		client:         client,
		reviewerOpenID: cfg.ReviewerOpenID,
		logger:         logger,
	}
}

// SDK returns the underlying Lark SDK client
func (c *Client) SDK() *lark.Client {
	return c.client
}

// ReviewerOpenID returns the open ID of the configured reviewer
func (c *Client) ReviewerOpenID() string {
	return c.reviewerOpenID
}
