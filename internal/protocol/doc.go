// Package protocol owns the gateway wire contract shared by every layer.
//
// Ownership boundary:
// - packet type registry (core and transport extension range)
// - application status codes carried in acks and AMOP responses
// - decimal ack payload encoding
//
// Framing lives in frame, addressing in envelope, AMOP sub-messages in
// amopwire and handshake fields in tlv/schema.
package protocol
