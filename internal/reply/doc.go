// ABOUTME: Package reply answers inbound messages with AI-generated text
// ABOUTME: Covers completion, advisor handoff, delivery, credit metering and history refresh

// Package reply turns a routed inbound message into a delivered AI reply.
//
// A Pipeline runs a fixed sequence: complete against the trimmed history,
// escalate to an advisor when the reply is the handoff phrase, send, debit
// the owner's credits, publish creditsUpdated, then wait a short delay and
// publish the refreshed chat-history. A failed debit is logged and the
// pipeline continues with zero credited tokens.
package reply
