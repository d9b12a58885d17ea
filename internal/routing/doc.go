// Package routing decides which support agents are responsible for a
// conversation: pre-sales pool assignment for unowned conversations and a
// race-safe-enough first-claim bind for agents taking ownership.
package routing
