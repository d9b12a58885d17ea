// Package session implements the cross-instance session registry: which
// instance owns which live connection for which user, with refreshable
// TTL-bearing entries so crashed connections expire on their own.
package session
