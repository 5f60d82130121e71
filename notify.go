package livesync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 signature of a notification body.
const SignatureHeader = "X-Livesync-Signature"

// Notifier fans a confirmed record out to other participants.
type Notifier interface {
	Notify(ctx context.Context, recipientIDs []string, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, recipientIDs []string, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, recipientIDs []string, msg Message) error {
	return f(ctx, recipientIDs, msg)
}

// Notification is the JSON body posted by WebhookNotifier.
type Notification struct {
	Event      string   `json:"event"`
	Timestamp  int64    `json:"timestamp"`
	Recipients []string `json:"recipients"`
	Message    Message  `json:"message"`
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// WebhookNotifier posts signed notifications to an HTTP endpoint.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithWebhookHTTPClient sets a custom HTTP client.
func WithWebhookHTTPClient(hc *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.httpClient = hc }
}

// NewWebhookNotifier creates a notifier that posts to url, signing each body with secret.
func NewWebhookNotifier(url, secret string, opts ...WebhookOption) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: webhook url is required", ErrInvalidConfig)
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrInvalidConfig)
	}
	w := &WebhookNotifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Notify posts one notification. Non-2xx responses are returned as *APIError.
func (w *WebhookNotifier) Notify(ctx context.Context, recipientIDs []string, msg Message) error {
	body, err := json.Marshal(Notification{
		Event:      EventMessageConfirmed,
		Timestamp:  time.Now().UnixMilli(),
		Recipients: recipientIDs,
		Message:    msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+sign(body, w.secret))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "notification rejected"}
	}
	return nil
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a notification signature in constant time. The
// signature may carry a "sha256=" prefix.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := sign(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// NotificationHandler returns an http.Handler that verifies and decodes
// notifications and passes them to fn.
func NotificationHandler(secret string, fn func(Notification) error) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		if !VerifySignature(body, r.Header.Get(SignatureHeader), secret) {
			writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
			return
		}
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil || n.Message.ConversationID == "" {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Invalid notification"})
			return
		}
		if err := fn(n); err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]bool{"ok": true})
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
