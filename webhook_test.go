package enjambre

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

var testNotification = Notification{
	PinID:            "p1",
	ConversationID:   "c1",
	ParticipantAlias: "Neighbor#0042",
	Category:         CategoryWater,
	LastMessage:      "I have bottles",
}

func makeTestBody(t *testing.T) []byte {
	t.Helper()
	n := testNotification
	b, err := json.Marshal(WebhookPayload{Source: "enjambre", Event: WebhookEventMessage, Timestamp: 1700000000, UserID: "owner", Notification: &n})
	require.NoError(t, err)
	return b
}

// ============================================================================
// Signatures
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestBody(t)
	sig := SignWebhookBody(body, testSecret)

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifyWebhookSignature(body, sig, testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		assert.True(t, VerifyWebhookSignature(body, strings.TrimPrefix(sig, "sha256="), testSecret))
	})

	t.Run("wrong signature", func(t *testing.T) {
		assert.False(t, VerifyWebhookSignature(body, "sha256="+strings.Repeat("0", 64), testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifyWebhookSignature(body, SignWebhookBody(body, "wrong-secret"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		assert.False(t, VerifyWebhookSignature(append(body, ' '), sig, testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.False(t, VerifyWebhookSignature(nil, sig, testSecret))
		assert.False(t, VerifyWebhookSignature(body, "", testSecret))
		assert.False(t, VerifyWebhookSignature(body, sig, ""))
		assert.False(t, VerifyWebhookSignature(body, "sha256=", testSecret))
	})
}

func TestParseWebhookPayload(t *testing.T) {
	t.Run("valid message", func(t *testing.T) {
		p, err := ParseWebhookPayload(makeTestBody(t))
		require.NoError(t, err)
		assert.Equal(t, WebhookEventMessage, p.Event)
		assert.Equal(t, testNotification, *p.Notification)
	})

	t.Run("valid unread", func(t *testing.T) {
		p, err := ParseWebhookPayload([]byte(`{"source":"enjambre","event":"unread.count","unread":0}`))
		require.NoError(t, err)
		require.NotNil(t, p.Unread)
		assert.Zero(t, *p.Unread)
	})

	bad := map[string]string{
		"invalid JSON":         `{not json`,
		"unknown source":       `{"source":"other","event":"unread.count","unread":1}`,
		"missing event":        `{"source":"enjambre"}`,
		"unknown event":        `{"source":"enjambre","event":"pin.created"}`,
		"message without ids":  `{"source":"enjambre","event":"conversation.message","notification":{"pinId":"p1"}}`,
		"unread without count": `{"source":"enjambre","event":"unread.count"}`,
	}
	for name, body := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWebhookPayload([]byte(body))
			assert.Equal(t, KindInvalid, KindOf(err))
		})
	}
}

// ============================================================================
// Receiver
// ============================================================================

func TestNewWebhookReceiver(t *testing.T) {
	_, err := NewWebhookReceiver("", nil)
	assert.Equal(t, KindInvalid, KindOf(err))

	r, err := NewWebhookReceiver(testSecret, nil)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestWebhookReceiverHandle(t *testing.T) {
	body := makeTestBody(t)
	sig := SignWebhookBody(body, testSecret)

	t.Run("invalid signature", func(t *testing.T) {
		r, _ := NewWebhookReceiver(testSecret, nil)
		status, _ := r.Handle(body, "sha256=bad")
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("malformed payload", func(t *testing.T) {
		r, _ := NewWebhookReceiver(testSecret, nil)
		junk := []byte(`{"source":"enjambre"}`)
		status, _ := r.Handle(junk, SignWebhookBody(junk, testSecret))
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("handler error", func(t *testing.T) {
		r, _ := NewWebhookReceiver(testSecret, func(*WebhookPayload) error { return errors.New("boom") })
		status, data := r.Handle(body, sig)
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, map[string]string{"error": "boom"}, data)
	})

	t.Run("success", func(t *testing.T) {
		var got *WebhookPayload
		r, _ := NewWebhookReceiver(testSecret, func(p *WebhookPayload) error { got = p; return nil })
		status, data := r.Handle(body, sig)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, map[string]bool{"ok": true}, data)
		require.NotNil(t, got)
		assert.Equal(t, "owner", got.UserID)
	})
}

func TestWebhookReceiverHTTP(t *testing.T) {
	r, _ := NewWebhookReceiver(testSecret, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	body := makeTestBody(t)
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(string(body)))
	req.Header.Set(WebhookSignatureHeader, "sha256=bad")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ============================================================================
// Sender
// ============================================================================

func TestWebhookSender(t *testing.T) {
	var mu sync.Mutex
	var received []*WebhookPayload
	r, err := NewWebhookReceiver(testSecret, func(p *WebhookPayload) error {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	srv := httptest.NewServer(r)
	defer srv.Close()

	t.Run("requires url and secret", func(t *testing.T) {
		_, err := NewWebhookSender("", testSecret, nil)
		assert.Equal(t, KindInvalid, KindOf(err))
		_, err = NewWebhookSender(srv.URL, "", nil)
		assert.Equal(t, KindInvalid, KindOf(err))
	})

	t.Run("signed delivery round trip", func(t *testing.T) {
		s, err := NewWebhookSender(srv.URL, testSecret, &WebhookSenderOptions{Now: func() time.Time { return baseTime }})
		require.NoError(t, err)
		require.NoError(t, s.Notify(context.Background(), "owner", testNotification))
		require.NoError(t, s.UnreadCount(context.Background(), "owner", 3))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, received, 2)
		assert.Equal(t, baseTime.Unix(), received[0].Timestamp)
		assert.Equal(t, testNotification, *received[0].Notification)
		assert.Equal(t, WebhookEventUnread, received[1].Event)
		assert.Equal(t, 3, *received[1].Unread)
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		s, _ := NewWebhookSender(srv.URL, "other-secret", nil)
		err := s.Notify(context.Background(), "owner", testNotification)
		assert.Equal(t, KindInvalid, KindOf(err))
	})

	t.Run("server errors are transient", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer failing.Close()
		s, _ := NewWebhookSender(failing.URL, testSecret, nil)
		assert.True(t, IsTransient(s.UnreadCount(context.Background(), "owner", 1)))

		dead, _ := NewWebhookSender("http://127.0.0.1:1/hook", testSecret, nil)
		assert.True(t, IsTransient(dead.UnreadCount(context.Background(), "owner", 1)))
	})
}
