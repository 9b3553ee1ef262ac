package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendConfirmation(t *testing.T) {
	var got sendEmailRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer srv.Close()

	client := NewResendClient("re_key", "noreply@promptgate.dev").WithEndpoint(srv.URL)
	err := client.SendConfirmation(context.Background(), "a@example.com", "http://localhost:8080/api/auth/confirm?token=abc&x=1", 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "Bearer re_key", auth)
	assert.Equal(t, []string{"a@example.com"}, got.To)
	assert.Equal(t, "noreply@promptgate.dev", got.From)
	assert.Contains(t, got.HTML, "token=abc&amp;x=1")
	assert.Contains(t, got.HTML, "24 hours")
}

func TestSendEmailStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewResendClient("re_key", "noreply@promptgate.dev").WithEndpoint(srv.URL)
	err := client.SendEmail(context.Background(), "a@example.com", "s", "<p>x</p>")
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestNotConfigured(t *testing.T) {
	assert.False(t, NewResendClient("", "x@y").IsConfigured())
	assert.False(t, NewResendClient("k", "").IsConfigured())
	var nilClient *ResendClient
	assert.False(t, nilClient.IsConfigured())

	err := NewResendClient("", "").SendEmail(context.Background(), "a@example.com", "s", "b")
	assert.ErrorIs(t, err, ErrEmailNotConfigured)
}
