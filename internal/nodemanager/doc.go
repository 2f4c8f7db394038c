// Package nodemanager tracks where blockchain node identities live: locally
// behind a registered front service, or remotely behind one or more peer
// gateways learned through status-seq gossip.
//
// Local registrations and the remote peer index are guarded by independent
// locks. Every remote update for a peer replaces that peer's previous
// contribution wholesale.
package nodemanager
