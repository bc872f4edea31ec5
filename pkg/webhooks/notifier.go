package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RotationEvent is the payload delivered to an app's rotation webhook
type RotationEvent struct {
	EventType    string    `json:"event_type"`
	ClientID     string    `json:"client_id"`
	KeyID        string    `json:"key_id"`
	NewKeyID     string    `json:"new_key_id"`
	NewKeyPrefix string    `json:"new_key_prefix"`
	RotatedAt    time.Time `json:"rotated_at"`
	GraceEnd     time.Time `json:"grace_end"`
}

// RetryConfig bounds delivery retries
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the default delivery retry bounds
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Notifier delivers rotation events to app webhooks with HMAC-SHA256 signed
// payloads and exponential backoff on transient failures.
type Notifier struct {
	client        *http.Client
	signingSecret string
	retry         RetryConfig
}

// NewNotifier creates a notifier. signingSecret may be empty to disable
// payload signing.
func NewNotifier(signingSecret string, retry RetryConfig) *Notifier {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = 1 * time.Second
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 30 * time.Second
	}
	return &Notifier{
		client:        &http.Client{Timeout: 10 * time.Second},
		signingSecret: signingSecret,
		retry:         retry,
	}
}

// Notify delivers an event to url, retrying transient failures. A non-2xx
// response on the final attempt is returned as an error.
func (n *Notifier) Notify(ctx context.Context, url string, event *RotationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal rotation event: %w", err)
	}

	delay := n.retry.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= n.retry.MaxAttempts; attempt++ {
		lastErr = n.send(ctx, url, event, payload)
		if lastErr == nil {
			return nil
		}
		if attempt < n.retry.MaxAttempts {
			select {
			case <-time.After(delay):
				delay *= 2
				if delay > n.retry.MaxDelay {
					delay = n.retry.MaxDelay
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("webhook delivery to %s failed after %d attempts: %w", url, n.retry.MaxAttempts, lastErr)
}

func (n *Notifier) send(ctx context.Context, url string, event *RotationEvent, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CIDS-Event", event.EventType)
	req.Header.Set("X-CIDS-Delivery", time.Now().UTC().Format(time.RFC3339))
	if n.signingSecret != "" {
		req.Header.Set("X-CIDS-Signature", generateSignature(payload, n.signingSecret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// VerifySignature checks a received payload against its signature header
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
