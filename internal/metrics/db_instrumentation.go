package metrics

import (
	"time"
)

// MeasureDBQuery wraps a database operation with timing instrumentation.
//
//	defer metrics.MeasureDBQuery(m, "get_listing_payment", "postgres")()
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}
