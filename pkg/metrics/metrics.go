package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the forms API. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	DraftSaves      *prometheus.CounterVec
	DraftReads      *prometheus.CounterVec
	Submissions     *prometheus.CounterVec
	Assessments     *prometheus.CounterVec
	AssessmentScore prometheus.Histogram
	ProviderLatency prometheus.Histogram
	Requests        *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DraftSaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forms_draft_saves_total",
			Help: "Draft save attempts by result",
		}, []string{"result"}),
		DraftReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forms_draft_reads_total",
			Help: "Draft reads by outcome (active, empty, stale, error)",
		}, []string{"outcome"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forms_submissions_total",
			Help: "Form submissions by form and result",
		}, []string{"form", "result"}),
		Assessments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forms_recaptcha_assessments_total",
			Help: "reCAPTCHA assessments by reason",
		}, []string{"reason"}),
		AssessmentScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "forms_recaptcha_score",
			Help:    "Risk scores returned by reCAPTCHA Enterprise",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		ProviderLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "forms_recaptcha_request_duration_seconds",
			Help:    "Latency of reCAPTCHA Enterprise assessment calls",
			Buckets: prometheus.DefBuckets,
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forms_http_requests_total",
			Help: "HTTP requests by method and status",
		}, []string{"method", "status"}),
	}
}

func (m *Metrics) DraftSaved(result string) {
	if m == nil {
		return
	}
	m.DraftSaves.WithLabelValues(result).Inc()
}

func (m *Metrics) DraftRead(outcome string) {
	if m == nil {
		return
	}
	m.DraftReads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Submission(form, result string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(form, result).Inc()
}

// Assessment records the reason and, when present, the score.
func (m *Metrics) Assessment(reason string, score *float64) {
	if m == nil {
		return
	}
	m.Assessments.WithLabelValues(reason).Inc()
	if score != nil {
		m.AssessmentScore.Observe(*score)
	}
}

func (m *Metrics) ObserveProviderLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderLatency.Observe(d.Seconds())
}

func (m *Metrics) Request(method, status string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, status).Inc()
}
