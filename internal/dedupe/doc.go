// Package dedupe provides a TTL and capacity bounded cache used to drop
// inbound channel messages that have already been dispatched, so retried
// webhook or poll deliveries never trigger a second agent turn.
package dedupe
