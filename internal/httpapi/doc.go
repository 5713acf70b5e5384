// Package httpapi is the HTTP surface of barkd (gin).
//
// Public routes: GET /, /health, /metrics. Everything else requires the
// configured password as "Authorization: Bearer <pw>", a raw Authorization
// value, or ?token=<pw>. Responses use the {success, data, error} envelope.
package httpapi
