package cbt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	blocksExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbt_blocks_exported",
		Help: "The total number of changed blocks read from an export",
	})

	bytesExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbt_bytes_exported",
		Help: "The total number of bytes read from changed blocks",
	})

	blocksRestored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbt_blocks_restored",
		Help: "The total number of changed blocks written to an export",
	})

	bytesRestored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbt_bytes_restored",
		Help: "The total number of bytes written to an export",
	})

	blocksMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbt_blocks_merged",
		Help: "The total number of blocks written while merging, by source",
	}, []string{"source"})

	blockEntropy = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cbt_block_entropy",
		Help:    "Entropy of exported blocks in bits per byte",
		Buckets: prometheus.LinearBuckets(0, 1, 9),
	})

	blockTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cbt_block_time",
		Help:    "Time to transfer a single block, by direction",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})
)

func counterValue(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}

	return int64(m.GetCounter().GetValue())
}

func counterValueFloat(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}

	return m.GetCounter().GetValue()
}
