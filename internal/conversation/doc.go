// Package conversation derives chat-history windows from a protocol client.
//
// History is never persisted by the gateway. Every time a window is needed
// it is re-read from the client (most recent N messages), re-sorted oldest
// first and mapped to role-tagged entries: messages sent by the session are
// assistant turns, everything else is a user turn.
//
// Entries carry millisecond timestamps so browser clients can render them
// directly. TrimLeadingAssistant prepares a window for a completion request,
// which must not start with an assistant turn.
package conversation
