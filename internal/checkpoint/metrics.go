package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FileWritesTotal counts FileStore appends.
	// Labels: result (success, conflict, error)
	FileWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gencode",
			Subsystem: "checkpoint",
			Name:      "file_writes_total",
			Help:      "Checkpoint files written by result",
		},
		[]string{"result"},
	)

	// FileBytes tracks encoded checkpoint sizes.
	FileBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gencode",
			Subsystem: "checkpoint",
			Name:      "file_bytes",
			Help:      "Size of written checkpoint files in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// CorruptFilesSkipped counts checkpoint files that failed to decode
	// while looking for the latest snapshot.
	CorruptFilesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gencode",
			Subsystem: "checkpoint",
			Name:      "corrupt_files_skipped_total",
			Help:      "Unreadable checkpoint files skipped during recovery",
		},
	)
)

func recordWrite(result string, size int) {
	FileWritesTotal.WithLabelValues(result).Inc()
	if result == "success" {
		FileBytes.Observe(float64(size))
	}
}
