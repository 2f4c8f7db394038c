// Package p2p maintains framed TCP/TLS sessions with peer gateways.
//
// Each connection starts with a TLV handshake naming the peer's p2p id. Once
// registered, frames flowing in either direction are either responses, which
// complete a pending Request by seq, or requests and notifications handed to
// the handler registered for their packet type on a bounded worker pool.
// At most one session per peer id survives; when two race, both sides keep
// the one dialed by the lower id.
package p2p
