// Package relay carries "new content available" notices between server
// instances. Implementations are interchangeable behind the Protocol
// interface; the Manager activates exactly one per process by configured
// name. Relay is best-effort: a lost notice costs latency (the client
// reconciles on its next pull), never correctness.
package relay
