// Package metrics exposes crawl and update counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records crawl and ingestion metrics.
type Collector struct {
	crawls        *prometheus.CounterVec
	crawlLatency  prometheus.Histogram
	listingsNew   prometheus.Counter
	notified      prometheus.Counter
	updates       *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		crawls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flatfinder_crawls_total",
			Help: "Search crawls by result.",
		}, []string{"result"}),
		crawlLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flatfinder_crawl_duration_seconds",
			Help:    "Time to fetch and diff one search.",
			Buckets: prometheus.DefBuckets,
		}),
		listingsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flatfinder_listings_new_total",
			Help: "Unseen listings found by crawls.",
		}),
		notified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flatfinder_listings_notified_total",
			Help: "Listings delivered to subscribers.",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flatfinder_updates_total",
			Help: "Inbound chat updates by outcome.",
		}, []string{"outcome"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flatfinder_handler_errors_total",
			Help: "Failed command dispatches by event.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		c.crawls,
		c.crawlLatency,
		c.listingsNew,
		c.notified,
		c.updates,
		c.handlerErrors,
	)

	return c
}

// RecordCrawl records the duration and result of one crawl.
func (c *Collector) RecordCrawl(d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.crawls.WithLabelValues(result).Inc()
	c.crawlLatency.Observe(d.Seconds())
}

// RecordNewListings adds n unseen listings.
func (c *Collector) RecordNewListings(n int) {
	c.listingsNew.Add(float64(n))
}

// RecordNotified adds n delivered listings.
func (c *Collector) RecordNotified(n int) {
	c.notified.Add(float64(n))
}

// RecordUpdate counts one inbound update.
func (c *Collector) RecordUpdate(outcome string) {
	c.updates.WithLabelValues(outcome).Inc()
}

// RecordHandlerError counts one failed dispatch.
func (c *Collector) RecordHandlerError(event string) {
	c.handlerErrors.WithLabelValues(event).Inc()
}

// Handler serves the gathered metrics for scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
