// Package worker provides the bounded pool that keeps slow downstream calls
// off connection read loops.
package worker
