package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"queued"}`, w.Body.String())
}

func TestWriteProblem(t *testing.T) {
	w := httptest.NewRecorder()

	WriteProblem(w, http.StatusConflict, "payment_in_progress", "a payment is already in progress")

	assert.Equal(t, http.StatusConflict, w.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, ErrorResponse{Error: "a payment is already in progress", Code: "payment_in_progress"}, body)
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name     string
		write    func(w http.ResponseWriter)
		status   int
		wantCode string
		wantMsg  string
	}{
		{name: "bad request", write: func(w http.ResponseWriter) { WriteBadRequest(w, "bad plan") }, status: http.StatusBadRequest, wantCode: CodeBadRequest, wantMsg: "bad plan"},
		{name: "not found", write: func(w http.ResponseWriter) { WriteNotFoundError(w, "no subscription") }, status: http.StatusNotFound, wantCode: CodeNotFound, wantMsg: "no subscription"},
		{name: "internal", write: WriteInternalError, status: http.StatusInternalServerError, wantCode: CodeInternal, wantMsg: "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			assert.Equal(t, tt.status, w.Code)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantMsg, body.Error)
		})
	}
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteCreated(w, map[string]int64{"transaction_id": 123})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"transaction_id":123}`, w.Body.String())
}
