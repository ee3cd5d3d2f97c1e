// Package gateway runs the quill-gateway server.
//
// # Overview
//
// The gateway owns every long-lived component: the store, the event bus,
// the message broker with its three domain agents (accounts, documents and
// versions), the rooms manager that fans events out to WebSocket clients,
// the token revocation store and the optional NATS relay.
//
// # HTTP API
//
// REST handlers turn requests into broker messages and wait for the
// correlated reply with the configured request timeout. Failed replies carry
// a kind that selects the status code:
//
//	validation       400
//	unauthenticated  401
//	authorization    403
//	not_found        404
//	conflict         409
//	internal         500
//
// A request that receives no reply in time answers 504.
//
// # WebSocket
//
// GET /ws?token=... upgrades to a WebSocket. Invalid or revoked tokens are
// closed with code 4001. Inbound frames are dispatched by their "type" field
// to the rooms manager.
//
// # Health
//
// /health is liveness. /health/ready and the gRPC health service
// "quill.broker" report ready only while every agent is running.
//
// # Lifecycle
//
// Run starts the agents, opens listeners (plain TCP or a tsnet node) and
// serves until the context is canceled. Shutdown stops the HTTP and gRPC
// servers, then the agents, then the relay, revocation store, bus and store.
package gateway
