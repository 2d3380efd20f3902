package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdhq/supportd/internal/audit"
	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, audit.Log) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	auditLog, err := audit.NewSQLLog(st.DB(), logging.NewNop())
	require.NoError(t, err)

	channels := config.NewChannels(&config.Config{
		Channels: []config.ChannelConfig{
			{
				ID:                   "C1",
				Name:                 "ops-support",
				Enabled:              true,
				ActionWhitelist:      []string{"restart_service"},
				FirstResponseMinutes: 15,
				ResolutionMinutes:    120,
			},
		},
	}, "", logging.NewNop())

	srv := NewServer(config.ServerConfig{Port: 9090}, channels, st, auditLog)
	return srv, st, auditLog
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "supportd", resp.Service)
}

func TestChannels(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var views []ChannelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "C1", views[0].ID)
	assert.Equal(t, []string{"restart_service"}, views[0].ActionWhitelist)
}

func TestConversationView(t *testing.T) {
	srv, st, auditLog := newTestServer(t)
	ctx := context.Background()

	conv, _, err := st.GetOrCreateConversation(ctx, "C1", "t1", "U1", 15*time.Minute, 2*time.Hour)
	require.NoError(t, err)
	_, err = st.SaveMessage(ctx, &store.Message{ConversationID: conv.ID, TS: "1", UserID: "U1", Text: "help"})
	require.NoError(t, err)
	auditLog.Record(ctx, audit.Event{ConversationID: conv.ID, Type: audit.EventConversationCreated})

	req := httptest.NewRequest(http.MethodGet, "/conversations/"+conv.ID, nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view ConversationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, conv.ID, view.Conversation.ID)
	require.Len(t, view.Messages, 1)
	require.Len(t, view.Audit, 1)
	assert.Equal(t, audit.EventConversationCreated, view.Audit[0].EventType)
}

func TestConversationNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/conversations/nope", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
