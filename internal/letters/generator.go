package letters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/config"
	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/internal/workflow"
)

// Generator drafts and revises outreach letters with a chat model. The
// model is asked for a strict JSON object so the subject, greeting and
// body land in separate fields.
type Generator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	senderName  string
	language    string
	logger      *zap.Logger
}

// NewGenerator creates a new letter generator
func NewGenerator(cfg config.OpenAIConfig, logger *zap.Logger) *Generator {
	return &Generator{
		client:      openai.NewClient(cfg.APIKey),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		senderName:  cfg.SenderName,
		language:    cfg.Language,
		logger:      logger,
	}
}

type letterPayload struct {
	Subject  string `json:"subject"`
	Greeting string `json:"greeting"`
	Body     string `json:"body"`
}

// GenerateLetter drafts the first letter iteration from the dossier.
func (g *Generator) GenerateLetter(ctx context.Context, contact *models.Contact, dossier *models.DossierBundle) (*models.LetterContent, error) {
	prompt := buildGeneratePrompt(contact, dossier)
	payload, err := g.complete(ctx, generateSystemPrompt(g.language), prompt)
	if err != nil {
		return nil, err
	}

	letter := &models.LetterContent{
		Subject:       payload.Subject,
		Greeting:      payload.Greeting,
		Body:          payload.Body,
		SenderName:    g.senderName,
		RecipientName: contact.FullName,
		CompanyName:   dossier.CompanyName,
	}
	g.logger.Info("Generated letter draft",
		zap.String("recipient", contact.FullName),
		zap.String("subject", letter.Subject))
	return letter, nil
}

// ReviseLetter rewrites a previous draft according to reviewer feedback.
// The dossier is optional; when present its research grounds the
// revision, otherwise only the previous draft and the feedback are used.
func (g *Generator) ReviseLetter(ctx context.Context, previous *models.LetterContent, feedback *models.Feedback, dossier *models.DossierBundle) (*models.LetterContent, error) {
	if feedback == nil || strings.TrimSpace(feedback.Text) == "" {
		return nil, workflow.NewValidationError("revise_letter",
			fmt.Errorf("revision requested without feedback"))
	}

	prompt := buildRevisePrompt(previous, feedback, dossier)
	payload, err := g.complete(ctx, generateSystemPrompt(g.language), prompt)
	if err != nil {
		return nil, err
	}

	letter := &models.LetterContent{
		Subject:       payload.Subject,
		Greeting:      payload.Greeting,
		Body:          payload.Body,
		SenderName:    previous.SenderName,
		RecipientName: previous.RecipientName,
		CompanyName:   previous.CompanyName,
	}
	if letter.SenderName == "" {
		letter.SenderName = g.senderName
	}
	g.logger.Info("Revised letter draft",
		zap.String("recipient", letter.RecipientName),
		zap.String("subject", letter.Subject))
	return letter, nil
}

func (g *Generator) complete(ctx context.Context, system, user string) (*letterPayload, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, workflow.NewTransientError("generate_letter", err)
	}
	if len(resp.Choices) == 0 {
		return nil, workflow.NewTransientError("generate_letter",
			fmt.Errorf("completion returned no choices"))
	}

	var payload letterPayload
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
		return nil, workflow.NewTransientError("generate_letter",
			fmt.Errorf("failed to parse completion as letter JSON: %w", err))
	}
	if err := validatePayload(&payload); err != nil {
		return nil, workflow.NewTransientError("generate_letter", err)
	}
	return &payload, nil
}

func validatePayload(p *letterPayload) error {
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("completion is missing the subject")
	}
	if strings.TrimSpace(p.Greeting) == "" {
		return fmt.Errorf("completion is missing the greeting")
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("completion is missing the body")
	}
	return nil
}
