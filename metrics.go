package nativeio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lakesoul-io/nativeio/storage"
)

type metrics struct {
	batchesWritten prometheus.Counter
	rowsWritten    prometheus.Counter
	bytesBuffered  prometheus.Counter
	writersFailed  prometheus.Counter
	rowsRead       prometheus.Counter
	rowsMerged     prometheus.Counter
	rowsOverridden prometheus.Counter
	rowsFiltered   prometheus.Counter
	sortSpills     prometheus.Counter

	storage *storage.Metrics
}

func newMetrics(reg prometheus.Registerer) *metrics {
	reg = prometheus.WrapRegistererWithPrefix("nativeio_", reg)
	return &metrics{
		batchesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "writer_batches_total",
			Help: "Number of record batches handed to writers.",
		}),
		rowsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "writer_rows_total",
			Help: "Number of rows encoded into output files.",
		}),
		bytesBuffered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "writer_buffered_bytes_total",
			Help: "Number of encoded bytes handed from the pending upload buffer to uploads.",
		}),
		writersFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "writer_failures_total",
			Help: "Number of writers poisoned by an error.",
		}),
		rowsRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "reader_rows_total",
			Help: "Number of rows returned by readers.",
		}),
		rowsMerged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "merge_rows_total",
			Help: "Number of rows emitted by primary key merges.",
		}),
		rowsOverridden: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "merge_rows_overridden_total",
			Help: "Number of rows replaced by a more recent row with the same primary key.",
		}),
		rowsFiltered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "reader_rows_filtered_total",
			Help: "Number of rows dropped by filters.",
		}),
		sortSpills: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sort_spills_total",
			Help: "Number of sorted runs spilled by sorting writers.",
		}),
		storage: storage.NewMetrics(reg),
	}
}
