// Package amop implements topic-addressed messaging between gateway clients.
// Peers gossip a topic sequence number, exchange subscription snapshots when
// it changes, and route requests to a subscribing peer with the same random
// retry used for node-addressed sends.
package amop
