package metrics

import (
	"time"
)

// MeasureDBQuery times one store operation; defer the returned func at
// the top of the method:
//
//	defer metrics.MeasureDBQuery(m, "get_product", "sqlite")()
//
// The span covers contention retries, so the histogram reflects what
// the caller actually waited.
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}

// RecordDBQuery records an already-measured duration, for spans that
// cross multiple statements where the deferred form does not fit.
func RecordDBQuery(m *Metrics, operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ObserveDBQuery(operation, backend, duration)
}
