package node

import "github.com/mapprotocol/ori/metrics"

// nodeCollector reports the node's headline gauges on every Prometheus
// scrape: chain head height/slot, mempool occupancy, and peer count. It
// is registered against the node's PrometheusExporter and served under
// the RPC HTTP server's /metrics path.
type nodeCollector struct {
	n *Node
}

// Collect implements metrics.CustomCollector.
func (c nodeCollector) Collect() []metrics.MetricLine {
	head := c.n.chain.CurrentBlock()
	lines := []metrics.MetricLine{
		{Name: "chain.head_height", Value: float64(head.Header.Height)},
		{Name: "chain.head_slot", Value: float64(head.Header.Slot)},
		{Name: "txpool.pending", Value: float64(len(c.n.pool.Pending()))},
		{Name: "txpool.queued", Value: float64(len(c.n.pool.Queued()))},
	}
	if c.n.p2pServer != nil {
		lines = append(lines, metrics.MetricLine{Name: "p2p.peer_count", Value: float64(c.n.p2pServer.PeerCount())})
	}
	if c.n.syncer != nil {
		progress := c.n.syncer.GetProgress()
		syncing := 0.0
		if c.n.syncer.IsSyncing() {
			syncing = 1.0
		}
		lines = append(lines,
			metrics.MetricLine{Name: "sync.syncing", Value: syncing},
			metrics.MetricLine{Name: "sync.progress_pct", Value: progress.Percentage()},
		)
	}
	return lines
}

// newMetricsExporter builds the node's Prometheus exporter and registers
// its headline collector, wired against the package's process-wide
// registry, which the sync engine's batch, import and orphan counters
// feed.
func newMetricsExporter(n *Node) *metrics.PrometheusExporter {
	exp := metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())
	exp.RegisterCollector("node", nodeCollector{n})
	return exp
}
