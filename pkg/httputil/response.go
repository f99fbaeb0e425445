package httputil

import (
	"encoding/json"
	"net/http"
)

// Generic error codes. Handlers may use more specific ones.
const (
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeInternal    = "internal"
	CodeUnavailable = "unavailable"
)

// ErrorResponse is the body of every error response. Clients branch on
// Code; Error is for humans.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteProblem writes an ErrorResponse
func WriteProblem(w http.ResponseWriter, status int, code, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteSuccess writes a 200 with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a 201 with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteProblem(w, http.StatusBadRequest, CodeBadRequest, message)
}

func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteProblem(w, http.StatusNotFound, CodeNotFound, message)
}

// WriteInternalError writes a 500 without leaking the cause to the client
func WriteInternalError(w http.ResponseWriter) {
	WriteProblem(w, http.StatusInternalServerError, CodeInternal, "internal server error")
}
