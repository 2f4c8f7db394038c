// Package discovery feeds peer addresses to the p2p service.
//
// Two sources exist. NodesFile polls the static nodes JSON and pushes newly
// listed addresses. Etcd registers this gateway under a leased key and
// pushes every address registered under the same prefix.
package discovery
