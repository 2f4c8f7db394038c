// Package admin serves the operator HTTP API: peer and node state, front
// registration, sends and AMOP client management.
package admin
