// Package protocol defines the contract between the session orchestrator
// and a chat protocol client.
//
// A Client raises four events: qr while pairing, ready once authenticated,
// disconnected when the connection is lost, and message for inbound traffic.
// The orchestrator installs exactly one Handler per client before calling
// Initialize.
//
// Teardown needs to reach the browser behind a client. Clients expose those
// resources through the optional ConnectionProber, PageHolder and
// BrowserHolder interfaces; a client without them is torn down with Logout
// and Destroy alone.
//
// The loopback subpackage provides an in-memory Client for tests and local
// development.
package protocol
