package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

func TestHTTPInvokerForwardsIdentity(t *testing.T) {
	var got upstreamRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(upstreamResponse{Output: "model says hi"})
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker(srv.URL, "secret")
	out, err := invoker.Invoke(context.Background(), domain.InferenceRequest{
		TicketID: "tkt-42",
		Identity: domain.UserIdentity{ID: "user-7", Tier: domain.TierVerified},
		Body:     "masked body",
	})
	require.NoError(t, err)

	assert.Equal(t, "model says hi", out)
	assert.Equal(t, "tkt-42", got.TicketID)
	assert.Equal(t, "user-7", got.UserID)
	assert.Equal(t, "masked body", got.Text)
	assert.Equal(t, "Bearer secret", auth)
}

func TestHTTPInvokerRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker(srv.URL, "")
	_, err := invoker.Invoke(context.Background(), domain.InferenceRequest{
		TicketID: "tkt-1",
		Identity: domain.UserIdentity{ID: "user-1"},
		Body:     "hello",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
