// Package api implements the HTTP layer: the webhook receiver at the root,
// the REST endpoints under /api, the SSE log stream, and the WebSocket
// upgrade. Chi is the router; handlers bind requests to the scheduler,
// repositories, and log broadcaster.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope wraps REST responses. Successful responses carry the payload under
// "data"; error responses carry a message and a machine-readable code under
// "error". The webhook receiver is the exception: it answers with the bare
// {"deployment_id", "service"} object the push provider integration expects.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response with the given status, message and
// machine-readable code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadContentType rejects a webhook delivery that is not application/json.
func ErrBadContentType(w http.ResponseWriter) {
	errJSON(w, http.StatusBadRequest, "Content-Type must be application/json", "bad_content_type")
}

// ErrEmptyBody rejects a webhook delivery with no payload.
func ErrEmptyBody(w http.ResponseWriter) {
	errJSON(w, http.StatusBadRequest, "request body is empty", "empty_body")
}

// ErrBadJSON rejects a payload that is not valid JSON.
func ErrBadJSON(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_json")
}

// ErrBadShape rejects a structurally invalid payload.
func ErrBadShape(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_shape")
}

// ErrBadSignature rejects a delivery whose HMAC signature does not match.
func ErrBadSignature(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "webhook signature mismatch", "bad_signature")
}

// ErrUnknownTarget rejects a push for which no service is configured.
func ErrUnknownTarget(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "unknown_target")
}

// ErrBadRequest writes a generic 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrInternal writes a 500 Internal Server Error response. The internal error
// detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}
