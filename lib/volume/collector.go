// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a volume's aggregate counters as Prometheus
// metrics. Register it with a prometheus.Registerer; the mount
// daemon serves it under /metrics.
type Collector struct {
	volume *Volume

	openFiles          *prometheus.Desc
	pendingClusters    *prometheus.Desc
	bufferedBytes      *prometheus.Desc
	stagedFiles        *prometheus.Desc
	compressedClusters *prometheus.Desc
	rawClusters        *prometheus.Desc
	lowerFreeBytes     *prometheus.Desc
	lowerTotalBytes    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a Collector over the given volume.
func NewCollector(v *Volume) *Collector {
	return &Collector{
		volume: v,
		openFiles: prometheus.NewDesc(
			"compactfs_open_files",
			"Logical files currently held open.",
			nil, nil),
		pendingClusters: prometheus.NewDesc(
			"compactfs_pending_clusters",
			"Clusters whose records have not yet been flushed to a record array.",
			nil, nil),
		bufferedBytes: prometheus.NewDesc(
			"compactfs_buffered_bytes",
			"Staged bytes not yet written to lower files.",
			nil, nil),
		stagedFiles: prometheus.NewDesc(
			"compactfs_staged_files",
			"Files currently holding staging buffers.",
			nil, nil),
		compressedClusters: prometheus.NewDesc(
			"compactfs_compressed_clusters_total",
			"Clusters stored compressed since the volume opened.",
			nil, nil),
		rawClusters: prometheus.NewDesc(
			"compactfs_raw_clusters_total",
			"Clusters stored raw since the volume opened.",
			nil, nil),
		lowerFreeBytes: prometheus.NewDesc(
			"compactfs_lower_free_bytes",
			"Free space on the storage backing the lower store.",
			nil, nil),
		lowerTotalBytes: prometheus.NewDesc(
			"compactfs_lower_total_bytes",
			"Total capacity of the storage backing the lower store.",
			nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openFiles
	ch <- c.pendingClusters
	ch <- c.bufferedBytes
	ch <- c.stagedFiles
	ch <- c.compressedClusters
	ch <- c.rawClusters
	ch <- c.lowerFreeBytes
	ch <- c.lowerTotalBytes
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.volume.stats
	ch <- prometheus.MustNewConstMetric(c.openFiles, prometheus.GaugeValue,
		float64(c.volume.OpenFiles()))
	ch <- prometheus.MustNewConstMetric(c.pendingClusters, prometheus.GaugeValue,
		float64(stats.PendingClusters.Load()))
	ch <- prometheus.MustNewConstMetric(c.bufferedBytes, prometheus.GaugeValue,
		float64(stats.BufferedBytes.Load()))
	ch <- prometheus.MustNewConstMetric(c.stagedFiles, prometheus.GaugeValue,
		float64(stats.StagedFiles.Load()))
	ch <- prometheus.MustNewConstMetric(c.compressedClusters, prometheus.CounterValue,
		float64(stats.CompressedClusters.Load()))
	ch <- prometheus.MustNewConstMetric(c.rawClusters, prometheus.CounterValue,
		float64(stats.RawClusters.Load()))

	// Space figures come from statfs; skip them on error rather
	// than failing the whole scrape.
	if info, err := c.volume.store.Stat(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.lowerFreeBytes, prometheus.GaugeValue,
			float64(info.FreeBytes))
		ch <- prometheus.MustNewConstMetric(c.lowerTotalBytes, prometheus.GaugeValue,
			float64(info.TotalBytes))
	}
}
