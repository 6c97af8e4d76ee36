// Package metrics exposes Prometheus collectors for the review agent.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Review metrics
	ReviewsTotal      *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	PatternsLearned   prometheus.Counter
	FeedbackTotal     *prometheus.CounterVec

	// Protocol metrics
	MessagesTotal     *prometheus.CounterVec
	ActiveAgents      prometheus.Gauge
	ActiveConnections prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ReviewsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_agent_reviews_total",
				Help: "Review requests by language and outcome",
			},
			[]string{"language", "success"},
		),
		InferenceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "review_agent_inference_duration_seconds",
				Help:    "Duration of text-generation calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
			},
			[]string{"success"},
		),
		PatternsLearned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "review_agent_patterns_learned_total",
				Help: "Issue phrases folded into the pattern store",
			},
		),
		FeedbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_agent_feedback_total",
				Help: "Feedback submissions by helpfulness and whether the review was found",
			},
			[]string{"helpful", "found"},
		),
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_agent_protocol_messages_total",
				Help: "Outbound protocol messages by type",
			},
			[]string{"type"},
		),
		ActiveAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "review_agent_active_agents",
				Help: "Number of live per-identity agents",
			},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "review_agent_active_connections",
				Help: "Number of open protocol connections",
			},
		),
	}
}

// languageLabels bounds the language label; anything else is "other".
var languageLabels = map[string]bool{
	"c": true, "cpp": true, "csharp": true, "go": true, "java": true,
	"javascript": true, "kotlin": true, "php": true, "python": true,
	"ruby": true, "rust": true, "sql": true, "swift": true, "typescript": true,
}

// LanguageLabel maps a client-supplied language to a bounded label value.
func LanguageLabel(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	if languageLabels[l] {
		return l
	}
	return "other"
}

// ObserveReview records the outcome of one review request.
func (m *Metrics) ObserveReview(language string, success bool, inference time.Duration) {
	if m == nil {
		return
	}
	ok := strconv.FormatBool(success)
	m.ReviewsTotal.WithLabelValues(LanguageLabel(language), ok).Inc()
	m.InferenceDuration.WithLabelValues(ok).Observe(inference.Seconds())
}

// AddPatternsLearned counts learned phrases.
func (m *Metrics) AddPatternsLearned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PatternsLearned.Add(float64(n))
}

// ObserveFeedback records one feedback submission.
func (m *Metrics) ObserveFeedback(helpful, found bool) {
	if m == nil {
		return
	}
	m.FeedbackTotal.WithLabelValues(strconv.FormatBool(helpful), strconv.FormatBool(found)).Inc()
}

// ObserveMessage counts an outbound protocol message.
func (m *Metrics) ObserveMessage(msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

// AgentStarted and AgentStopped track live actors.
func (m *Metrics) AgentStarted() {
	if m != nil {
		m.ActiveAgents.Inc()
	}
}

func (m *Metrics) AgentStopped() {
	if m != nil {
		m.ActiveAgents.Dec()
	}
}

// ConnectionOpened and ConnectionClosed track protocol connections.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}
