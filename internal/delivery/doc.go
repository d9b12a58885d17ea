// Package delivery pushes relay notices into the connections this instance
// holds locally.
package delivery
