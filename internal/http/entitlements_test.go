package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"promptgate/internal/entitlement"
	"promptgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordsMissingBeforeEnsure(t *testing.T) {
	env := newTestEnv(t, testConfig())
	_, token := env.login(t, "a@example.com")

	rec := env.do(http.MethodGet, "/api/subscription", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "record_not_found", decodeError(t, rec).Reason)

	rec = env.do(http.MethodGet, "/api/usage", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRPCUsageLifecycle(t *testing.T) {
	env := newTestEnv(t, testConfig())
	user, token := env.login(t, "a@example.com")

	rec := env.do(http.MethodPost, "/api/rpc/ensure_records_exist", token, map[string]string{"user_id": user.ID.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	var ensured entitlement.EnsureResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ensured))
	assert.True(t, ensured.Success)
	assert.True(t, ensured.SubscriptionCreated)
	assert.True(t, ensured.UsageCreated)

	rec = env.do(http.MethodPost, "/api/rpc/ensure_records_exist", token, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ensured))
	assert.False(t, ensured.Created())

	for i := 0; i < 3; i++ {
		rec = env.do(http.MethodPost, "/api/rpc/increment_usage", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"incremented":true}`, rec.Body.String())
	}
	rec = env.do(http.MethodPost, "/api/rpc/increment_usage", token, nil)
	assert.JSONEq(t, `{"incremented":false}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/rpc/can_perform_action", token, nil)
	assert.JSONEq(t, `{"allowed":false}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/usage", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var u models.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, 3, u.PromptsUsed)
	assert.Equal(t, 3, u.PromptsLimit)

	rec = env.do(http.MethodGet, "/api/subscription", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub models.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, models.PlanFree, sub.PlanTier)
	assert.Equal(t, user.ID, sub.UserID)
}

func TestRPCResetUsageNotDueKeepsCounter(t *testing.T) {
	env := newTestEnv(t, testConfig())
	_, token := env.login(t, "a@example.com")
	env.do(http.MethodPost, "/api/rpc/ensure_records_exist", token, nil)
	env.do(http.MethodPost, "/api/rpc/increment_usage", token, nil)

	rec := env.do(http.MethodPost, "/api/rpc/reset_usage", token, map[string]any{
		"next_reset_date": time.Now().Add(30 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var u models.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, 1, u.PromptsUsed)

	rec = env.do(http.MethodPost, "/api/rpc/reset_usage", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRPCRejectsOtherUser(t *testing.T) {
	env := newTestEnv(t, testConfig())
	_, token := env.login(t, "a@example.com")
	other := env.accounts.add("b@example.com", testPassword, models.UserStatusActive)

	for _, path := range []string{"/api/rpc/ensure_records_exist", "/api/rpc/can_perform_action", "/api/rpc/increment_usage"} {
		rec := env.do(http.MethodPost, path, token, map[string]string{"user_id": other.ID.String()})
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
	subs, usage := env.store.Len()
	assert.Zero(t, subs)
	assert.Zero(t, usage)
}
