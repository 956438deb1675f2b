// ABOUTME: Package router decides which inbound messages get an AI reply
// ABOUTME: Bridges session message events to the reply pipeline

// Package router implements the inbound decision table.
//
// Own messages, status broadcasts and repeated deliveries are dropped first.
// A conversation with a synced party record is answered when the number has
// AI enabled, the party's agent is on, and (for groups) group replies are
// allowed. A conversation with no synced record gets an unsynced shadow row
// upserted and is answered when the number accepts unknown parties and the
// shadow's agent is on. Before the reply runs, the router publishes the
// current chat-history window.
package router
