package webhook

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Verifier checks that inbound decision events really come from the
// approval channel.
type Verifier struct {
	verifyToken string
	logger      *zap.Logger
}

// NewVerifier creates a new webhook verifier
func NewVerifier(verifyToken string, logger *zap.Logger) *Verifier {
	return &Verifier{
		verifyToken: verifyToken,
		logger:      logger,
	}
}

// VerifyChallenge answers the endpoint registration handshake.
func (v *Verifier) VerifyChallenge(body []byte) (string, error) {
	var challenge struct {
		Challenge string `json:"challenge"`
		Token     string `json:"token"`
		Type      string `json:"type"`
	}

	if err := json.Unmarshal(body, &challenge); err != nil {
		return "", fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	if challenge.Type != "url_verification" {
		return "", fmt.Errorf("invalid challenge type: %s", challenge.Type)
	}

	if v.verifyToken != "" && challenge.Token != v.verifyToken {
		return "", fmt.Errorf("invalid verification token")
	}

	return challenge.Challenge, nil
}

// VerifyToken checks the token carried in an event header.
func (v *Verifier) VerifyToken(token string) bool {
	if v.verifyToken == "" {
		return true
	}
	return token == v.verifyToken
}

// VerifySignature verifies the request signature when the channel signs
// its callbacks.
func (v *Verifier) VerifySignature(timestamp, nonce, signature, body string) bool {
	if v.verifyToken == "" {
		return true
	}
	content := timestamp + nonce + v.verifyToken + body
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", hash) == signature
}
