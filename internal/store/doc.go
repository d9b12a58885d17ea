// Package store is the persistence layer for conversations, membership
// rows, and messages. Consumers depend on narrow interfaces they declare
// themselves; this package provides the concrete GORM implementation.
package store
