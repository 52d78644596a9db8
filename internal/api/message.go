package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/observability"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service/gateway"
)

const (
	legacySurface = "legacy_advisor"
	tgifSurface   = "tgif_brain"
	tgifMode      = "focus_coach"
)

// AdvisorAskRequest is the request body of the legacy advisor endpoint.
type AdvisorAskRequest struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	Question     string         `json:"question"`
	Message      string         `json:"message"`
	Mode         string         `json:"mode"`
	ContextHints map[string]any `json:"context_hints"`
}

// AdvisorAskResponse is the response body of the legacy advisor endpoint.
type AdvisorAskResponse struct {
	Answer           string   `json:"answer"`
	SessionID        string   `json:"session_id"`
	JobID            *string  `json:"job_id"`
	Sources          []string `json:"sources"`
	TraceID          string   `json:"trace_id"`
	Mode             string   `json:"mode"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// Core handles POST /api/maestra/core.
func (s *Server) Core(c echo.Context) error {
	var req gateway.Request
	if err := c.Bind(&req); err != nil {
		return s.turnError(c, &req, time.Now(), http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	env, err := s.runTurn(c, &req)
	if err != nil || env == nil {
		return err
	}
	return c.JSON(http.StatusOK, env)
}

// TGIFAsk handles POST /tgif/ask. The surface and mode are fixed.
func (s *Server) TGIFAsk(c echo.Context) error {
	var req gateway.Request
	if err := c.Bind(&req); err != nil {
		return s.turnError(c, &req, time.Now(), http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	req.SurfaceID = tgifSurface
	req.ModeHint = tgifMode

	env, err := s.runTurn(c, &req)
	if err != nil || env == nil {
		return err
	}
	return c.JSON(http.StatusOK, env)
}

// AdvisorAsk handles POST /api/maestra/advisor/ask, the pre-envelope request
// shape still sent by older surfaces.
func (s *Server) AdvisorAsk(c echo.Context) error {
	var legacy AdvisorAskRequest
	if err := c.Bind(&legacy); err != nil {
		return s.turnError(c, &gateway.Request{SurfaceID: legacySurface}, time.Now(), http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	req := legacy.toRequest()
	env, err := s.runTurn(c, req)
	if err != nil || env == nil {
		return err
	}

	mode := legacy.Mode
	if mode == "" {
		mode = "quick"
	}
	return c.JSON(http.StatusOK, AdvisorAskResponse{
		Answer:           env.Reply,
		SessionID:        env.ConversationID,
		Sources:          []string{},
		TraceID:          env.ConversationID,
		Mode:             mode,
		ProcessingTimeMS: metaInt(env.Meta, "latency_ms"),
	})
}

func (r *AdvisorAskRequest) toRequest() *gateway.Request {
	sessionID := r.SessionID
	if sessionID == "" {
		sessionID = "default"
	}
	userID := r.UserID
	if userID == "" {
		userID = "anonymous"
	}
	message := r.Question
	if message == "" {
		message = r.Message
	}
	return &gateway.Request{
		UserID:         userID,
		SurfaceID:      legacySurface,
		ConversationID: sessionID,
		Message:        message,
		ModeHint:       gateway.DefaultMode,
	}
}

// runTurn checks the caller may act as req.UserID, runs the turn and records
// request metrics. On failure it writes the error response itself and
// returns a nil envelope.
func (s *Server) runTurn(c echo.Context, req *gateway.Request) (*gateway.Envelope, error) {
	start := time.Now()

	tokenUser := GetUserID(c)
	if tokenUser != "" && tokenUser != req.UserID {
		return nil, s.turnError(c, req, start, http.StatusForbidden, ErrorResponse{Error: "user_id does not match token"})
	}
	req.AuthenticatedUser = tokenUser

	env, err := s.gateway.Handle(c.Request().Context(), req, c.Request().Header.Get(HeaderIdempotencyKey))
	if err != nil {
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			s.logger.WithError(err).WithField("conversation_id", req.ConversationID).Error("turn failed")
		}
		return nil, s.turnError(c, req, start, status, body)
	}

	m := s.requestMetrics(c, req, start, http.StatusOK)
	m.Mode = env.Mode
	if replayed, _ := env.Meta["replayed"].(bool); !replayed {
		m.Tokens = int(metaInt(env.Meta, "tokens"))
		m.CostUSD = metaFloat(env.Meta, "cost_usd")
	}
	s.metrics.Record(m)
	return env, nil
}

func (s *Server) turnError(c echo.Context, req *gateway.Request, start time.Time, status int, body ErrorResponse) error {
	m := s.requestMetrics(c, req, start, status)
	m.Mode = "error"
	m.Error = body.Error
	s.metrics.Record(m)
	return c.JSON(status, body)
}

func (s *Server) requestMetrics(c echo.Context, req *gateway.Request, start time.Time, status int) observability.RequestMetrics {
	return observability.RequestMetrics{
		RequestID:      c.Response().Header().Get(echo.HeaderXRequestID),
		SurfaceID:      req.SurfaceID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		LatencyMS:      time.Since(start).Milliseconds(),
		StatusCode:     status,
	}
}

// metaInt reads a number from envelope meta. Envelopes replayed from the
// cache carry JSON numbers as float64.
func metaInt(meta map[string]any, key string) int64 {
	switch v := meta[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func metaFloat(meta map[string]any, key string) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
