// Package dedupe suppresses inbound message events the transport delivers
// more than once within a time window.
package dedupe
