package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// WebhookSecretName is the vault entry holding the shared secret GitHub
// signs webhook deliveries with. The "server" pseudo-scope keeps it clear
// of per-site secrets.
const WebhookSecretName = "server/GITHUB_WEBHOOK_SECRET"

// VerifySignature checks a GitHub X-Hub-Signature-256 header against the
// raw request body. Callers must verify before parsing the payload.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return fmt.Errorf("webhook secret is not configured")
	}

	encoded, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return fmt.Errorf("missing or malformed signature header")
	}
	sig, err := hex.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("malformed signature header: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Sign computes the X-Hub-Signature-256 header value for a payload. Used
// when registering webhooks and by tests.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
