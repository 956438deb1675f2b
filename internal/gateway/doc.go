// Package gateway orchestrates the chorus-gateway server components.
//
// # Overview
//
// The gateway owns the session controller, the inbound router, the reply
// pipeline and the realtime hub, and exposes them over HTTP. A gRPC listener
// carries the standard health service.
//
// # HTTP API
//
// Command routes live under /api/ and are guarded by bearer JWT auth when
// auth.jwt_secret is set:
//
//	GET  /api/sessions
//	POST /api/sessions/{id}/start
//	POST /api/sessions/{id}/stop
//	POST /api/owners/{ownerID}/stop
//	POST /api/sessions/{id}/messages             {"to": "...", "content": "..."}
//	GET  /api/sessions/{id}/history?to=...
//	GET  /api/sessions/{id}/contacts
//	POST /api/sessions/{id}/sync                 {"parties": [{"id": "...", "name": "..."}]}
//	PUT  /api/sessions/{id}/parties/{externalID}/agent  {"enabled": true}
//	PUT  /api/sessions/{id}/parties/agent        {"enabled": true}
//
// Tokens carrying an owner claim may only touch that owner's numbers.
// Errors are returned as {"error": "..."}; validation problems map to 400,
// unknown sessions and parties to 404, unsynced recipients to 409 and
// sessions that are not READY to 503.
//
// # Realtime
//
// GET /ws upgrades to a websocket. Clients send
// {"command":"join","sessionId":"42"} and then receive every envelope
// published for that session. When realtime.redis_addr is set, envelopes are
// relayed through Redis so every gateway process serves every group.
//
// # Health
//
// GET /health always answers 200. GET /health/ready and the gRPC health
// service (service name "chorus.gateway.Sessions") report serving only while
// at least one session is READY.
//
// # Networking
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (or a public Funnel on :443) for HTTP and :50051 for gRPC;
// otherwise server.http_addr and server.grpc_addr are used.
package gateway
