package metrics

import (
	"time"

	"sendimg/internal/domain"
)

// RecordDelivery folds a finished delivery into the delivery metrics.
func RecordDelivery(report *domain.DeliveryReport, err error) {
	if report == nil {
		return
	}
	DeliveriesTotal.Inc()
	if err != nil {
		DeliveriesFailed.Inc()
	}
	if report.Partitioned {
		DeliveriesPartitioned.Inc()
	}
	for _, u := range report.Units {
		if u.OK() {
			UnitsSent.Inc()
			BytesSent.Add(u.Size)
			UnitsByEncoding(u.Encoding).Inc()
		} else {
			UnitsFailed.Inc()
		}
	}
	if !report.FinishedAt.IsZero() {
		DeliveryLatency.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
}

// UnitsByEncoding counts accepted units per wire encoding.
func UnitsByEncoding(enc domain.Encoding) *Counter {
	return Collector.Counter("sendimg_units_by_encoding_total", "Accepted delivery units by encoding", `encoding="`+string(enc)+`"`)
}

// RecordLLM folds one relay request into the LLM metrics.
func RecordLLM(latency time.Duration, err error) {
	LLMRequestsTotal.Inc()
	if err != nil {
		LLMErrorsTotal.Inc()
		return
	}
	LLMLatency.Observe(latency.Seconds())
}
