package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service/gateway"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	// ConversationID is set when the turn was partly recorded.
	ConversationID string `json:"conversation_id,omitempty"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// errorResponse maps store and gateway errors to a status code and body.
func errorResponse(err error) (int, ErrorResponse) {
	var rerr *gateway.ResponderError
	switch {
	case errors.As(err, &rerr):
		return http.StatusBadGateway, ErrorResponse{Error: "responder failed", ConversationID: rerr.ConversationID}
	case errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "conversation not found"}
	case errors.Is(err, storage.ErrConversationClosed):
		return http.StatusConflict, ErrorResponse{Error: "conversation closed"}
	case errors.Is(err, storage.ErrCorruptRecord):
		return http.StatusInternalServerError, ErrorResponse{Error: "conversation record is corrupt"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "request timed out"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
}
