// Package server exposes the session registry over HTTP.
//
// The router is chi with RequestID, Recoverer and RealIP middleware, a
// zerolog request logger and, when origins are configured, go-chi/cors.
//
// # API Endpoints
//
//   - GET /sessions: every session, ordered by window and configuration
//   - GET /configs: configured clients and whether they are enabled
//   - GET /windows/{window}/sessions: sessions of one window
//   - POST /windows/{window}/sessions: start a session; the configuration
//     is named or selected from the active file
//   - GET /windows/{window}/sessions/{config}: one session
//   - DELETE /windows/{window}/sessions/{config}: stop it; ?wait=true
//     blocks until the entry is gone
//   - POST /windows/{window}/sessions/{config}/restart
//   - POST /windows/{window}/sessions/{config}/request: relay one request
//     to the language server and return its result
//   - POST /windows/{window}/project: stop sessions started for another
//     project
//   - POST /windows/reconcile: stop sessions of windows not listed as open
//   - GET /event: lifecycle events as Server-Sent Events, optionally
//     filtered with ?window=N
//
// Errors use a single JSON envelope:
//
//	{"error": {"code": "NOT_FOUND", "message": "no such session"}}
//
// Launch failures carry the failed step in details.op.
package server
