// Package auth authenticates server-to-server relay traffic with short-lived
// HS256 tokens signed by the cluster shared secret.
package auth
