// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Operator, metrics and webhook handlers use these helpers instead of
// writing raw http.ResponseWriter calls, so JSON formatting and error
// envelopes stay consistent across endpoints.
package httputil
