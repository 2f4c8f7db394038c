// Package gateway routes addressed application messages between local front
// services and peer gateways, and drives the status-seq gossip that keeps the
// node location registry current.
package gateway
