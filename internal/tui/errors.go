package tui

import (
	"errors"
	"strings"

	"github.com/basket/decisiontrace/internal/client"
)

// humanError shortens an error chain for the status line. Query service
// errors keep their server message; transport errors keep only the
// innermost cause: "GET /traces: dial tcp: connection refused" becomes
// "Connection refused".
func humanError(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		return strings.ToUpper(inner[:1]) + inner[1:]
	}
	return msg
}
