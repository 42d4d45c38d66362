package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"
)

// Verify the X-Hub-Signature-256 signature of a GitHub webhook request.
// An empty secret means the operator opted out of verification and
// every payload passes, the server warns about this once at startup.
func verifyWebhookSignature(body []byte, secret string, signature string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return fmt.Errorf("missing X-Hub-Signature-256 header")
	}

	hash := hmac.New(sha256.New, []byte(secret))
	_, err := hash.Write(body)
	if err != nil {
		return fmt.Errorf("failed to write body to hash: %w", err)
	}

	expectedSignature := fmt.Sprintf("%x", hash.Sum(nil))
	signature, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return fmt.Errorf("signature header is missing the sha256= prefix")
	}
	if !hmac.Equal([]byte(expectedSignature), []byte(signature)) {
		return fmt.Errorf("signature mismatch: got '%s'", signature)
	}
	return nil
}
