// Package metrics wires the zone core's space/zone-count accounting into
// two dependencies that sit in the teacher's go.mod unused:
// github.com/VictoriaMetrics/metrics backs the gauges (open/active zone
// counts, free/used/reclaimable bytes), and github.com/rcrowley/go-metrics
// backs the exponentially-decaying histograms for extent length and
// per-zone used-capacity, the way a production RocksDB/ZenFS deployment
// exports histogram percentiles rather than raw samples.
package metrics
