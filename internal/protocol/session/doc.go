// Package session owns gateway<->gateway session helpers shared by the p2p
// transport.
//
// Ownership boundary:
// - timeouts and reconnect backoff
// - transport security policy and TLS config builders
// - seq-matched pending response table
package session
