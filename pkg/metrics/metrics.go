package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "powerwall_tariff_"

	// ResultPushed means a refresh sent a new document to the gateway.
	ResultPushed = "pushed"
	// ResultUnchanged means a refresh found the gateway already up to date.
	ResultUnchanged = "unchanged"
)

var (
	registerOnce sync.Once

	ingestTotal    *prometheus.CounterVec
	refreshTotal   *prometheus.CounterVec
	refreshLatency *prometheus.HistogramVec
	bandPrice      *prometheus.GaugeVec
	lastPush       prometheus.Gauge
)

// Init registers the metrics with the default registry. It is safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		ingestTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_total",
				Help: "Total rate batches ingested by direction, slot and result",
			},
			[]string{"direction", "slot", "result"},
		)
		refreshTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "refresh_total",
				Help: "Total refresh cycles by result",
			},
			[]string{"result"},
		)
		refreshLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "refresh_latency_seconds",
				Help:    "Refresh cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		bandPrice = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "band_price",
				Help: "Price of each band in the last pushed document",
			},
			[]string{"direction", "band"},
		)
		lastPush = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "last_push_timestamp_seconds",
				Help: "Unix time of the last document pushed to the gateway",
			},
		)
		prometheus.MustRegister(
			ingestTotal,
			refreshTotal,
			refreshLatency,
			bandPrice,
			lastPush,
		)
	})
}

// ObserveIngest counts an ingest attempt.
func ObserveIngest(direction, slot, result string) {
	if result == "" {
		result = "ok"
	}
	if ingestTotal != nil {
		ingestTotal.WithLabelValues(direction, slot, result).Inc()
	}
}

// ObserveRefresh records refresh duration and result.
func ObserveRefresh(result string, duration time.Duration) {
	if result == "" {
		result = "unknown"
	}
	if refreshTotal != nil {
		refreshTotal.WithLabelValues(result).Inc()
	}
	if refreshLatency != nil {
		refreshLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// SetBandPrices replaces the band price gauges for a direction.
func SetBandPrices(direction string, prices map[string]float64) {
	if bandPrice == nil {
		return
	}
	bandPrice.DeletePartialMatch(prometheus.Labels{"direction": direction})
	for band, price := range prices {
		bandPrice.WithLabelValues(direction, band).Set(price)
	}
}

func SetLastPush(t time.Time) {
	if lastPush != nil {
		lastPush.Set(float64(t.Unix()))
	}
}
