package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// MaxJSONBody caps request bodies read by DecodeJSON
const MaxJSONBody = 64 << 10

var errBodyTooLarge = errors.New("request body too large")

// DecodeJSON reads a single JSON object from the request body into dest.
// Unknown fields and trailing data are rejected. On failure it writes a 400
// (or 413 for oversized bodies) and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	err := decodeJSON(w, r, dest)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errBodyTooLarge):
		WriteProblem(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
	default:
		WriteProblem(w, http.StatusBadRequest, "invalid_json", err.Error())
	}
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxJSONBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errBodyTooLarge
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		default:
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// PathID parses a positive int64 route variable such as tenant_id or tx_id.
// On failure it writes a 400 and returns false.
func PathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := parseID(mux.Vars(r)[key], key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, false
	}
	return id, true
}

func parseID(raw, key string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("missing path parameter: %s", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return id, nil
}
