package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upgradeBody struct {
	Plan string `json:"plan"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "valid", body: `{"plan":"PRO"}`, wantStatus: http.StatusOK},
		{name: "malformed", body: `{plan}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_json"},
		{name: "unknown field", body: `{"plan":"PRO","coupon":"X"}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_json"},
		{name: "empty", body: ``, wantStatus: http.StatusBadRequest, wantCode: "invalid_json"},
		{name: "two objects", body: `{"plan":"PRO"}{"plan":"PREMIUM"}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_json"},
		{name: "oversized", body: `{"plan":"` + strings.Repeat("P", MaxJSONBody) + `"}`, wantStatus: http.StatusRequestEntityTooLarge, wantCode: "body_too_large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest("POST", "/tenants/1/subscription/upgrade", strings.NewReader(tt.body))

			var dest upgradeBody
			ok := DecodeJSON(w, r, &dest)

			if tt.wantCode == "" {
				require.True(t, ok)
				assert.Equal(t, "PRO", dest.Plan)
				assert.Zero(t, w.Body.Len())
				return
			}
			assert.False(t, ok)
			assert.Equal(t, tt.wantStatus, w.Code)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
}

func TestPathID(t *testing.T) {
	tests := []struct {
		name   string
		vars   map[string]string
		want   int64
		wantOK bool
	}{
		{name: "valid", vars: map[string]string{"tenant_id": "42"}, want: 42, wantOK: true},
		{name: "missing", vars: map[string]string{}},
		{name: "not a number", vars: map[string]string{"tenant_id": "abc"}},
		{name: "zero", vars: map[string]string{"tenant_id": "0"}},
		{name: "negative", vars: map[string]string{"tenant_id": "-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := mux.SetURLVars(httptest.NewRequest("GET", "/", nil), tt.vars)

			id, ok := PathID(w, r, "tenant_id")

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, id)
			if !tt.wantOK {
				assert.Equal(t, http.StatusBadRequest, w.Code)
			}
		})
	}
}

func TestParseIDMessage(t *testing.T) {
	_, err := parseID("x", "tx_id")
	require.Error(t, err)
	assert.Equal(t, `tx_id must be a positive integer, got "x"`, err.Error())
}
