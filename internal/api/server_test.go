package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/cache/redis"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/config"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/observability"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service/gateway"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage/filestore"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

const (
	testAPIKey = "test-api-key"
	testSecret = "test-jwt-secret"
)

type failingResponder struct{}

func (failingResponder) Respond(context.Context, gateway.ResponderInput) (*gateway.Reply, error) {
	return nil, errors.New("upstream unavailable")
}

type memoryReplayCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *memoryReplayCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, redis.ErrMiss
	}
	return v, nil
}

func (c *memoryReplayCache) SetIfAbsent(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false, nil
	}
	c.entries[key] = value
	return true, nil
}

type testEnv struct {
	e       *echo.Echo
	store   *filestore.Store
	metrics *observability.Collector
	auth    *service.AuthService
}

type envOptions struct {
	mode      string
	responder gateway.Responder
	replay    gateway.ReplayCache
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := filestore.Open(context.Background(), t.TempDir(), filestore.Options{Logger: logger, CacheSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewCollector(observability.Options{Registerer: reg, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = metrics.Close() })

	responder := opts.responder
	if responder == nil {
		responder = gateway.PlaceholderResponder{}
	}
	gw := gateway.NewService(store, responder, gateway.Options{
		Source: opts.mode,
		Replay: opts.replay,
		Logger: logger,
	})
	auth := service.NewAuthService(testAPIKey, testSecret)

	srv := NewServer(gw, auth, metrics, logger, Options{Mode: opts.mode, Port: "8825", Gatherer: reg})
	return &testEnv{e: srv.Echo(), store: store, metrics: metrics, auth: auth}
}

func (te *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	te.e.ServeHTTP(rec, req)
	return rec
}

func (te *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := te.auth.IssueToken(userID, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return tok
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func coreRequest(conversationID, message string) gateway.Request {
	return gateway.Request{
		UserID:         "justin",
		SurfaceID:      "vscode",
		ConversationID: conversationID,
		Message:        message,
	}
}

func TestCore_RecordsTurn(t *testing.T) {
	te := newTestEnv(t, envOptions{})

	rec := te.do(t, http.MethodPost, "/api/maestra/core", coreRequest("conv-1", "hello"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env := decode[gateway.Envelope](t, rec)
	assert.Equal(t, gateway.PlaceholderReply, env.Reply)
	assert.Equal(t, gateway.DefaultMode, env.Mode)
	assert.Equal(t, "conv-1", env.ConversationID)
	assert.Equal(t, gateway.Version, env.Version)
	assert.NotNil(t, env.Artifacts)
	assert.NotNil(t, env.Actions)

	conv, err := te.store.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, types.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, types.RoleAssistant, conv.Messages[1].Role)

	summary := te.metrics.Summary(0)
	assert.EqualValues(t, 1, summary.TotalRequests)
	assert.EqualValues(t, 0, summary.TotalErrors)
}

func TestCore_InvalidRequest(t *testing.T) {
	te := newTestEnv(t, envOptions{})

	rec := te.do(t, http.MethodPost, "/api/maestra/core", gateway.Request{UserID: "justin"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Contains(t, body.Error, "surface_id")

	summary := te.metrics.Summary(0)
	assert.EqualValues(t, 1, summary.TotalRequests)
	assert.EqualValues(t, 1, summary.TotalErrors)
}

func TestCore_ResponderFailureKeepsUserMessage(t *testing.T) {
	te := newTestEnv(t, envOptions{responder: failingResponder{}})

	rec := te.do(t, http.MethodPost, "/api/maestra/core", coreRequest("conv-fail", "hello"), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "conv-fail", body.ConversationID)

	msgs, err := te.store.GetMessages(context.Background(), "conv-fail", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
}

func TestCore_ClosedConversation(t *testing.T) {
	te := newTestEnv(t, envOptions{})
	require.Equal(t, http.StatusOK, te.do(t, http.MethodPost, "/api/maestra/core", coreRequest("conv-1", "hello"), nil).Code)
	require.NoError(t, te.store.CloseConversation(context.Background(), "conv-1"))

	rec := te.do(t, http.MethodPost, "/api/maestra/core", coreRequest("conv-1", "again"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCore_IdempotentReplay(t *testing.T) {
	te := newTestEnv(t, envOptions{replay: &memoryReplayCache{entries: map[string][]byte{}}})
	headers := map[string]string{HeaderIdempotencyKey: "retry-1"}

	first := te.do(t, http.MethodPost, "/api/maestra/core", coreRequest("conv-1", "hello"), headers)
	require.Equal(t, http.StatusOK, first.Code)
	second := te.do(t, http.MethodPost, "/api/maestra/core", coreRequest("conv-1", "hello"), headers)
	require.Equal(t, http.StatusOK, second.Code)

	env := decode[gateway.Envelope](t, second)
	assert.Equal(t, gateway.PlaceholderReply, env.Reply)
	assert.Equal(t, true, env.Meta["replayed"])

	msgs, err := te.store.GetMessages(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestAdvisorAsk_LegacyShape(t *testing.T) {
	te := newTestEnv(t, envOptions{})

	rec := te.do(t, http.MethodPost, "/api/maestra/advisor/ask", map[string]any{
		"question": "what next?",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[AdvisorAskResponse](t, rec)
	assert.Equal(t, gateway.PlaceholderReply, resp.Answer)
	assert.Equal(t, "default", resp.SessionID)
	assert.Equal(t, "default", resp.TraceID)
	assert.Equal(t, "quick", resp.Mode)
	assert.Nil(t, resp.JobID)
	assert.Empty(t, resp.Sources)

	conv, err := te.store.Get(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", conv.Owner)
	assert.Equal(t, []string{legacySurface}, conv.Surfaces)
}

func TestTGIFAsk_ForcesSurfaceAndMode(t *testing.T) {
	te := newTestEnv(t, envOptions{})

	req := coreRequest("conv-tgif", "focus")
	req.ModeHint = "advisor"
	rec := te.do(t, http.MethodPost, "/tgif/ask", req, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decode[gateway.Envelope](t, rec)
	assert.Equal(t, tgifMode, env.Mode)

	conv, err := te.store.Get(context.Background(), "conv-tgif")
	require.NoError(t, err)
	assert.Equal(t, []string{tgifSurface}, conv.Surfaces)
}

func TestConversationEndpoints(t *testing.T) {
	te := newTestEnv(t, envOptions{})
	for _, msg := range []string{"one", "two"} {
		require.Equal(t, http.StatusOK, te.do(t, http.MethodPost, "/api/maestra/core", coreRequest("conv-1", msg), nil).Code)
	}

	rec := te.do(t, http.MethodGet, "/conversations?owner=justin&surface=vscode", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListConversationsResponse](t, rec)
	require.Equal(t, 1, list.TotalCount)
	assert.Equal(t, "conv-1", list.Conversations[0].ID)
	assert.Equal(t, 4, list.Conversations[0].MessageCount)

	rec = te.do(t, http.MethodGet, "/conversations?status=archived", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = te.do(t, http.MethodGet, "/conversations/conv-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decode[types.Conversation](t, rec)
	assert.Equal(t, 4, conv.MessageCount)

	rec = te.do(t, http.MethodGet, "/conversations/conv-1/messages?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[MessagesResponse](t, rec)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, types.RoleAssistant, msgs.Messages[0].Role)

	rec = te.do(t, http.MethodGet, "/conversations/conv-1/messages?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = te.do(t, http.MethodPost, "/conversations/conv-1/artifacts", types.ArtifactInput{
		Type: "decision", ID: "dec-1", Title: "Ship it", Confidence: 0.9,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	link := decode[types.Artifact](t, rec)
	assert.Equal(t, "dec-1", link.ID)

	rec = te.do(t, http.MethodPost, "/conversations/conv-1/artifacts", types.ArtifactInput{
		Type: "decision", ID: "dec-2", Confidence: 2,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = te.do(t, http.MethodPost, "/conversations/conv-1/close", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = te.do(t, http.MethodGet, "/conversations?status=closed", nil, nil)
	assert.Equal(t, 1, decode[ListConversationsResponse](t, rec).TotalCount)

	rec = te.do(t, http.MethodGet, "/conversations/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	te := newTestEnv(t, envOptions{})
	require.Equal(t, http.StatusOK, te.do(t, http.MethodPost, "/api/maestra/core", coreRequest("conv-1", "hello"), nil).Code)

	rec := te.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, brainID, health.BrainID)
	assert.Equal(t, "8825", health.Port)
	assert.GreaterOrEqual(t, health.UptimeSeconds, int64(0))
	assert.Equal(t, "ok", health.Dependencies["conversation_hub"].Status)

	rec = te.do(t, http.MethodGet, "/tgif/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = te.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decode[MetricsResponse](t, rec)
	assert.EqualValues(t, 1, metrics.TotalRequests)
	assert.Equal(t, 1, metrics.ActiveConversations)
	assert.Equal(t, gateway.Version, metrics.Version)

	rec = te.do(t, http.MethodGet, "/metrics/prometheus", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "maestra_requests_total")
}

func TestCloudAuth(t *testing.T) {
	te := newTestEnv(t, envOptions{mode: config.ModeCloud})
	req := coreRequest("conv-1", "hello")

	rec := te.do(t, http.MethodPost, "/api/maestra/core", req, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = te.do(t, http.MethodPost, "/api/maestra/core", req, map[string]string{HeaderAPIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = te.do(t, http.MethodPost, "/api/maestra/core", req, map[string]string{HeaderAPIKey: testAPIKey})
	assert.Equal(t, http.StatusOK, rec.Code)

	bearer := map[string]string{echo.HeaderAuthorization: "Bearer " + te.token(t, "someone-else")}
	rec = te.do(t, http.MethodPost, "/api/maestra/core", req, bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = te.do(t, http.MethodGet, "/conversations/conv-1", nil, bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = te.do(t, http.MethodGet, "/conversations?owner=justin", nil, bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	own := map[string]string{echo.HeaderAuthorization: "Bearer " + te.token(t, "justin")}
	rec = te.do(t, http.MethodPost, "/api/maestra/core", req, own)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = te.do(t, http.MethodGet, "/conversations", nil, own)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ListConversationsResponse](t, rec).TotalCount)

	other := map[string]string{echo.HeaderAuthorization: "Bearer " + te.token(t, "amy")}
	intrusion := coreRequest("conv-1", "let me in")
	intrusion.UserID = "amy"
	rec = te.do(t, http.MethodPost, "/api/maestra/core", intrusion, other)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	msgs, err := te.store.GetMessages(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	rec = te.do(t, http.MethodGet, "/conversations", nil, map[string]string{echo.HeaderAuthorization: "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = te.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorResponse_Mapping(t *testing.T) {
	status, body := errorResponse(&gateway.ResponderError{ConversationID: "c", Err: errors.New("x")})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "c", body.ConversationID)

	status, _ = errorResponse(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)

	status, _ = errorResponse(context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, status)
}
