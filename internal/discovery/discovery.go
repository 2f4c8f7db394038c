package discovery

// Sink receives addresses to dial. Addresses already known are ignored by
// the receiver.
type Sink interface {
	AddPeers(addrs ...string)
}
