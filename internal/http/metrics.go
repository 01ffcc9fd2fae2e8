package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are registered on their own registry so that servers can be built
// repeatedly in one process.
type Metrics struct {
	Registry *prometheus.Registry

	LocaleRedirectsTotal    *prometheus.CounterVec
	TranslationLoadsTotal   *prometheus.CounterVec
	TranslationLoadDuration *prometheus.HistogramVec
	AuthAttemptsTotal       *prometheus.CounterVec
	TranslationClients      prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		LocaleRedirectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lingogate_locale_redirects_total",
				Help: "Total number of requests redirected to a localized path",
			},
			[]string{"reason"},
		),
		TranslationLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lingogate_translation_loads_total",
				Help: "Total number of translation instance loads",
			},
			[]string{"locale", "status"},
		),
		TranslationLoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lingogate_translation_load_duration_seconds",
				Help:    "Time spent building translation instances",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"locale"},
		),
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lingogate_auth_attempts_total",
				Help: "Total number of credential operations by result",
			},
			[]string{"operation", "result"},
		),
		TranslationClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lingogate_translation_clients",
				Help: "Number of clients holding a translation bootstrapper",
			},
		),
	}

	m.Registry.MustRegister(
		m.LocaleRedirectsTotal,
		m.TranslationLoadsTotal,
		m.TranslationLoadDuration,
		m.AuthAttemptsTotal,
		m.TranslationClients,
	)

	return m
}

func (m *Metrics) RecordLocaleRedirect(reason string) {
	m.LocaleRedirectsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTranslationLoad(locale string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TranslationLoadsTotal.WithLabelValues(locale, status).Inc()
	m.TranslationLoadDuration.WithLabelValues(locale).Observe(duration.Seconds())
}

func (m *Metrics) RecordAuthAttempt(operation, result string) {
	m.AuthAttemptsTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) SetTranslationClients(count int) {
	m.TranslationClients.Set(float64(count))
}
