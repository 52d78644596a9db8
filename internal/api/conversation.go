package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []types.IndexEntry `json:"conversations"`
	TotalCount    int                `json:"total_count"`
}

// MessagesResponse is the response for a conversation's message tail.
type MessagesResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []types.Message `json:"messages"`
}

// ListConversations handles GET /conversations.
// A token-authenticated caller only sees their own conversations.
func (s *Server) ListConversations(c echo.Context) error {
	filter := types.ListFilter{
		Owner:   c.QueryParam("owner"),
		Surface: c.QueryParam("surface"),
		Status:  types.Status(c.QueryParam("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid status"})
	}
	if userID := GetUserID(c); userID != "" {
		if filter.Owner != "" && filter.Owner != userID {
			return c.JSON(http.StatusForbidden, ErrorResponse{Error: "owner does not match token"})
		}
		filter.Owner = userID
	}

	entries, err := s.store.List(c.Request().Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("failed to list conversations")
		return c.JSON(errorResponse(err))
	}

	return c.JSON(http.StatusOK, ListConversationsResponse{
		Conversations: entries,
		TotalCount:    len(entries),
	})
}

// GetConversation handles GET /conversations/:id.
func (s *Server) GetConversation(c echo.Context) error {
	conv, ok := s.loadOwned(c)
	if !ok {
		return nil
	}
	return c.JSON(http.StatusOK, conv)
}

// GetMessages handles GET /conversations/:id/messages.
func (s *Server) GetMessages(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
		}
		limit = n
	}

	if _, ok := s.loadOwned(c); !ok {
		return nil
	}

	msgs, err := s.store.GetMessages(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return c.JSON(errorResponse(err))
	}
	return c.JSON(http.StatusOK, MessagesResponse{
		ConversationID: c.Param("id"),
		Messages:       msgs,
	})
}

// CloseConversation handles POST /conversations/:id/close.
func (s *Server) CloseConversation(c echo.Context) error {
	if _, ok := s.loadOwned(c); !ok {
		return nil
	}
	if err := s.store.CloseConversation(c.Request().Context(), c.Param("id")); err != nil {
		s.logger.WithError(err).WithField("conversation_id", c.Param("id")).Error("failed to close conversation")
		return c.JSON(errorResponse(err))
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// LinkArtifact handles POST /conversations/:id/artifacts.
func (s *Server) LinkArtifact(c echo.Context) error {
	var in types.ArtifactInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if _, ok := s.loadOwned(c); !ok {
		return nil
	}

	link, err := s.store.LinkArtifact(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return c.JSON(errorResponse(err))
	}
	return c.JSON(http.StatusCreated, link)
}

// loadOwned fetches the conversation named by the :id param. When the caller
// is token authenticated the conversation must belong to them. On failure the
// error response has been written and ok is false.
func (s *Server) loadOwned(c echo.Context) (*types.Conversation, bool) {
	conv, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		_ = c.JSON(errorResponse(err))
		return nil, false
	}
	if userID := GetUserID(c); userID != "" && conv.Owner != userID {
		_ = c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
		return nil, false
	}
	return conv, true
}
