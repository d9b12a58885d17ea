// Package gateway wires one mallchat-server instance together: the local
// connection table, the distributed session registry, the relay manager,
// and the HTTP surface peers and load balancers talk to.
package gateway
