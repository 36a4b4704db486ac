// Package metrics provides Prometheus metrics for the replica.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of one replica. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Round metrics
	Submitted   prometheus.Counter
	Decisions   *prometheus.CounterVec
	Abandoned   prometheus.Counter
	CommitVotes *prometheus.CounterVec

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	BroadcastsFailed prometheus.Counter

	// State metrics
	InFlight        prometheus.Gauge
	PeerCount       prometheus.Gauge
	QuorumThreshold prometheus.Gauge
}

// New registers the metrics with reg under the given namespace.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Submitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_submitted_total",
			Help:      "Client requests accepted for consensus by this node",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Finalized proposals by outcome",
		}, []string{"outcome"}),
		Abandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_abandoned_total",
			Help:      "Proposals evicted after their quorum deadline elapsed",
		}),
		CommitVotes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_votes_total",
			Help:      "Commit votes this node broadcast",
		}, []string{"vote"}),

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound envelopes by stage",
		}, []string{"stage"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped by reason",
		}, []string{"reason"}),
		BroadcastsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_failed_total",
			Help:      "Outbound envelopes the dissemination layer failed to send",
		}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proposals_in_flight",
			Help:      "Live quorum trackers",
		}),
		PeerCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_count",
			Help:      "Effective network size n",
		}),
		QuorumThreshold: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quorum_threshold",
			Help:      "Current 2f+1",
		}),
	}
}

func (m *Metrics) RecordSubmitted() {
	if m == nil {
		return
	}
	m.Submitted.Inc()
}

func (m *Metrics) RecordDecision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAbandoned() {
	if m == nil {
		return
	}
	m.Abandoned.Inc()
}

func (m *Metrics) RecordCommitVote(vote bool) {
	if m == nil {
		return
	}
	label := "against"
	if vote {
		label = "in_favor"
	}
	m.CommitVotes.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordReceived(stage string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBroadcastFailed() {
	if m == nil {
		return
	}
	m.BroadcastsFailed.Inc()
}

// UpdateState sets the state gauges.
func (m *Metrics) UpdateState(inFlight int, peerCount uint32, quorum int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(inFlight))
	m.PeerCount.Set(float64(peerCount))
	m.QuorumThreshold.Set(float64(quorum))
}

// Server runs an HTTP server exposing /metrics and /health.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server on addr serving the given gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler exposes the mux, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// StartAsync starts the server in a goroutine. errc receives the terminal error.
func (s *Server) StartAsync(errc chan<- error) {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed && errc != nil {
			errc <- err
		}
	}()
}

// Stop closes the server.
func (s *Server) Stop() error {
	return s.server.Close()
}
