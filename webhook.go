package enjambre

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

	"go.uber.org/zap"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookSignatureHeader carries the HMAC-SHA256 signature of the body.
const WebhookSignatureHeader = "X-Enjambre-Signature"

const webhookSource = "enjambre"

// Webhook events.
const (
	WebhookEventMessage = "conversation.message"
	WebhookEventUnread  = "unread.count"
)

// WebhookPayload is the body POSTed to a notification webhook. Message events
// carry Notification; unread events carry Unread.
type WebhookPayload struct {
	Source       string        `json:"source"`
	Event        string        `json:"event"`
	Timestamp    int64         `json:"timestamp"`
	UserID       string        `json:"userId"`
	Notification *Notification `json:"notification,omitempty"`
	Unread       *int          `json:"unread,omitempty"`
}

// ============================================================================
// Signatures
// ============================================================================

// SignWebhookBody returns the "sha256=<hex>" signature of body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant time.
// The "sha256=" prefix is optional.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignWebhookBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload decodes and checks a webhook body.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrInvalid("webhook.parse", "invalid JSON in webhook body").WithCause(err)
	}
	if p.Source != webhookSource {
		return nil, ErrInvalid("webhook.parse", fmt.Sprintf("unknown webhook source: %q", p.Source))
	}
	switch p.Event {
	case WebhookEventMessage:
		if p.Notification == nil || p.Notification.PinID == "" || p.Notification.ConversationID == "" {
			return nil, ErrInvalid("webhook.parse", "message event without pin and conversation")
		}
	case WebhookEventUnread:
		if p.Unread == nil {
			return nil, ErrInvalid("webhook.parse", "unread event without count")
		}
	case "":
		return nil, ErrInvalid("webhook.parse", "missing event field")
	default:
		return nil, ErrInvalid("webhook.parse", fmt.Sprintf("unknown event %q", p.Event))
	}
	return &p, nil
}

// ============================================================================
// Sender
// ============================================================================

// WebhookSenderOptions configures NewWebhookSender.
type WebhookSenderOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

func (o *WebhookSenderOptions) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// WebhookSender forwards owner notifications to an HTTP endpoint, signing
// every body with the shared secret.
type WebhookSender struct {
	url    string
	secret string
	opts   WebhookSenderOptions
	logger *zap.Logger
}

// NewWebhookSender creates a sender posting to url.
func NewWebhookSender(url, secret string, opts *WebhookSenderOptions) (*WebhookSender, error) {
	if url == "" {
		return nil, ErrInvalid("webhook.new", "webhook url is required")
	}
	if secret == "" {
		return nil, ErrInvalid("webhook.new", "webhook secret is required")
	}
	var o WebhookSenderOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &WebhookSender{url: url, secret: secret, opts: o, logger: orNop(o.Logger).Named("webhook")}, nil
}

// Notify sends a message event for n.
func (s *WebhookSender) Notify(ctx context.Context, userID string, n Notification) error {
	return s.Send(ctx, &WebhookPayload{Event: WebhookEventMessage, UserID: userID, Notification: &n})
}

// UnreadCount sends an unread event.
func (s *WebhookSender) UnreadCount(ctx context.Context, userID string, count int) error {
	return s.Send(ctx, &WebhookPayload{Event: WebhookEventUnread, UserID: userID, Unread: &count})
}

// Send signs and posts p. Source and Timestamp are filled in. Network errors
// and 5xx answers are transient; other non-2xx answers are invalid.
func (s *WebhookSender) Send(ctx context.Context, p *WebhookPayload) error {
	p.Source = webhookSource
	p.Timestamp = s.opts.Now().Unix()
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return ErrInvalid("webhook.send", "bad webhook url").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WebhookSignatureHeader, SignWebhookBody(body, s.secret))

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return ErrTransient("webhook.send", "webhook request failed").WithCause(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return ErrTransient("webhook.send", fmt.Sprintf("webhook answered HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return ErrInvalid("webhook.send", fmt.Sprintf("webhook answered HTTP %d", resp.StatusCode))
	}
	s.logger.Debug("webhook delivered", zap.String("event", p.Event))
	return nil
}

// ============================================================================
// Receiver
// ============================================================================

// WebhookHandlerFunc handles a verified payload.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// WebhookReceiver verifies, parses and dispatches incoming webhook calls.
type WebhookReceiver struct {
	secret  string
	handler WebhookHandlerFunc
}

// NewWebhookReceiver creates a receiver.
func NewWebhookReceiver(secret string, handler WebhookHandlerFunc) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, ErrInvalid("webhook.receiver", "webhook secret is required")
	}
	return &WebhookReceiver{secret: secret, handler: handler}, nil
}

// Handle processes a webhook call and returns the status code and response
// body for the caller to write.
func (w *WebhookReceiver) Handle(body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}
	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if w.handler != nil {
		if err := w.handler(payload); err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP accepts POSTed webhook calls.
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
		return
	}
	status, data := w.Handle(body, r.Header.Get(WebhookSignatureHeader))
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
