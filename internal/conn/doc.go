// Package conn tracks the live client connections attached to this server
// instance. Ownership of a connection never spans instances; the table is
// the local authority the distributed session registry points at.
package conn
