package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer of the remote API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// newAPIError extracts a human-readable message from the error payload.
// Recognised shapes: {"message"}, {"error": "..."}, {"error": {"message", "code"}},
// {"detail"} and {"errors": [{"message"}]}.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		e.Message, e.Code = extractMessage(payload)
	} else if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 {
		e.Message = text
	}

	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func extractMessage(payload map[string]any) (msg, code string) {
	code, _ = payload["code"].(string)

	if m, ok := payload["message"].(string); ok && m != "" {
		return m, code
	}
	switch v := payload["error"].(type) {
	case string:
		if v != "" {
			return v, code
		}
	case map[string]any:
		if c, ok := v["code"].(string); ok && code == "" {
			code = c
		}
		if m, ok := v["message"].(string); ok && m != "" {
			return m, code
		}
	}
	if m, ok := payload["detail"].(string); ok && m != "" {
		return m, code
	}
	if list, ok := payload["errors"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			if m, ok := first["message"].(string); ok {
				return m, code
			}
		}
	}
	return "", code
}
