// Package httputil holds the request parsing, response writing and
// middleware shared by the billing API handlers.
//
// Every error body has the shape {"error": "...", "code": "..."}:
//
//	httputil.WriteProblem(w, http.StatusConflict, "payment_in_progress", err.Error())
//
// Handlers parse input with helpers that write the 400 themselves:
//
//	tenantID, ok := httputil.PathID(w, r, "tenant_id")
//	if !ok {
//		return
//	}
//	var req UpgradeRequest
//	if !httputil.DecodeJSON(w, r, &req) {
//		return
//	}
//
// RequestIDMiddleware must run before LoggingMiddleware and
// RecoveryMiddleware so both log with the request id.
package httputil
