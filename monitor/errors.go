package monitor

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// httpError is rendered as the JSON body of a failed request
type httpError struct {
	error
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *httpError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Code)
	return nil
}

func badRequest(message string) *httpError {
	return &httpError{error: errors.New(message), Code: http.StatusBadRequest, Message: message}
}

func unavailable(message string, err error) *httpError {
	return &httpError{
		error:   fmt.Errorf("%s: %w", message, err),
		Code:    http.StatusServiceUnavailable,
		Message: message,
	}
}
