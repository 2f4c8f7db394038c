package discovery

import (
	"context"
	"os"
	"time"

	"github.com/danmuck/edgegate/internal/config"
	"github.com/rs/zerolog/log"
)

// NodesFile re-reads the static nodes file when its mtime changes.
type NodesFile struct {
	path     string
	interval time.Duration
	sink     Sink

	modTime time.Time
	seen    map[string]struct{}
}

func NewNodesFile(path string, interval time.Duration, sink Sink) *NodesFile {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &NodesFile{
		path:     path,
		interval: interval,
		sink:     sink,
		seen:     make(map[string]struct{}),
	}
}

// Run polls until ctx is done. A bad edit is logged and the previous
// address set stays in effect.
func (n *NodesFile) Run(ctx context.Context) error {
	n.poll()
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.poll()
		}
	}
}

func (n *NodesFile) poll() {
	st, err := os.Stat(n.path)
	if err != nil {
		log.Warn().Err(err).Str("path", n.path).Msg("discovery.NodesFile.poll stat failed")
		return
	}
	if st.ModTime().Equal(n.modTime) {
		return
	}
	n.modTime = st.ModTime()

	eps, err := config.LoadNodesFile(n.path)
	if err != nil {
		log.Warn().Err(err).Str("path", n.path).Msg("discovery.NodesFile.poll parse failed")
		return
	}
	added := make([]string, 0, len(eps))
	for _, ep := range eps {
		addr := ep.String()
		if _, ok := n.seen[addr]; ok {
			continue
		}
		n.seen[addr] = struct{}{}
		added = append(added, addr)
	}
	if len(added) == 0 {
		return
	}
	log.Info().Str("path", n.path).Strs("added", added).Msg("discovery.NodesFile.poll")
	n.sink.AddPeers(added...)
}
