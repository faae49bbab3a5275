package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"
)

type errorResponse struct {
	Error string `json:"error"`
}

// mapError classifies err's message against known transport/domain failure
// substrings and writes the matching HTTP status, defaulting to 500 for
// anything unrecognized.
func mapError(c *echo.Context, err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	status := http.StatusInternalServerError

	switch {
	case strings.Contains(msg, "session not found"), strings.Contains(msg, "no session for server"):
		status = http.StatusNotFound
	case strings.Contains(msg, "already exists"):
		status = http.StatusConflict
	case errors.Is(err, errInvalidRequest):
		status = http.StatusBadRequest
	case strings.Contains(msg, "timed out"):
		status = http.StatusGatewayTimeout
	}

	return c.JSON(status, errorResponse{Error: err.Error()})
}

var errInvalidRequest = errors.New("invalid request")
