// Package directory discovers the set of currently live server instances
// and advertises the local instance's relay address.
package directory
