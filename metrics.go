package main

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	quoteCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotes_created",
		Help: "The total number of payment quotes created",
	})
	paidCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_confirmed",
		Help: "The total number of quotes confirmed paid",
	})
	mintCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "licenses_minted",
		Help: "The total number of licenses minted",
	})
	consumeCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "license_consumptions",
		Help: "The total number of license consumptions",
	})
	downloadCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloads_redeemed",
		Help: "The total number of download tokens redeemed",
	})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_response_duration_seconds",
		Help: "Latency of requests in second.",
	}, []string{"path"})
)

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpDuration.WithLabelValues(r.URL.Path))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		timer.ObserveDuration()
	})
}
