package hooks

import (
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/io/metrics"
)

// MetricsHook counts prepares, decisions and timeouts and mirrors them into
// Prometheus when metrics are configured.
type MetricsHook struct {
	prepareCount uint64
	resultCount  uint64
	abandonCount uint64
	startTime    time.Time
	metrics      *metrics.Metrics
}

// NewMetricsHook creates a new metrics hook. m may be nil.
func NewMetricsHook(m *metrics.Metrics) *MetricsHook {
	return &MetricsHook{
		startTime: time.Now(),
		metrics:   m,
	}
}

// OnPrepare increments the prepare counter and logs metrics
func (m *MetricsHook) OnPrepare(p *proposal.Proposal) bool {
	count := atomic.AddUint64(&m.prepareCount, 1)
	log.WithFields(log.Fields{
		"proposal":      p.Key,
		"prepare_count": count,
		"uptime":        time.Since(m.startTime),
	}).Debug("Metrics: prepare")
	return true
}

// OnResult increments the decision counter
func (m *MetricsHook) OnResult(p *proposal.Proposal) {
	count := atomic.AddUint64(&m.resultCount, 1)
	m.metrics.RecordDecision(OutcomeLabel(p.Stage.Outcome))
	log.WithFields(log.Fields{
		"proposal":     p.Key,
		"outcome":      p.Stage.Outcome.String(),
		"result_count": count,
	}).Debug("Metrics: result")
}

// OnAbandon increments the timeout counter
func (m *MetricsHook) OnAbandon(a Abandonment) {
	atomic.AddUint64(&m.abandonCount, 1)
	m.metrics.RecordAbandoned()
}

// GetStats returns current statistics
func (m *MetricsHook) GetStats() (prepares, results, abandoned uint64, uptime time.Duration) {
	return atomic.LoadUint64(&m.prepareCount), atomic.LoadUint64(&m.resultCount),
		atomic.LoadUint64(&m.abandonCount), time.Since(m.startTime)
}

// OutcomeLabel maps an outcome to a metric label.
func OutcomeLabel(o proposal.Outcome) string {
	switch {
	case o.Kind == proposal.OutcomeRejected:
		return "rejected"
	case o.Valid:
		return "accepted"
	default:
		return "accepted_invalid"
	}
}

// ValidationHook votes against proposals whose client or content is too long.
type ValidationHook struct {
	maxClientLength  int
	maxContentLength int
}

// NewValidationHook creates a new validation hook
func NewValidationHook(maxClientLength, maxContentLength int) *ValidationHook {
	return &ValidationHook{
		maxClientLength:  maxClientLength,
		maxContentLength: maxContentLength,
	}
}

// OnPrepare validates the proposal
func (v *ValidationHook) OnPrepare(p *proposal.Proposal) bool {
	if len(p.Client) > v.maxClientLength {
		log.Errorf("Client id too long: %d > %d", len(p.Client), v.maxClientLength)
		return false
	}

	if len(p.Content) > v.maxContentLength {
		log.Errorf("Content too long: %d > %d", len(p.Content), v.maxContentLength)
		return false
	}

	log.Debugf("Validation passed for proposal: %s", p.Key)
	return true
}

func (v *ValidationHook) OnResult(*proposal.Proposal) {}

func (v *ValidationHook) OnAbandon(Abandonment) {}

// AuditHook logs all operations for audit purposes
type AuditHook struct{}

// NewAuditHook creates a new audit hook
func NewAuditHook() *AuditHook {
	return &AuditHook{}
}

// OnPrepare logs proposals entering Prepare
func (a *AuditHook) OnPrepare(p *proposal.Proposal) bool {
	auditMsg := fmt.Sprintf("[AUDIT] PREPARE - Key: %s, Client: %s, Content: %s, Time: %s",
		p.Key, p.Client, p.Content, time.Now().Format(time.RFC3339))

	log.WithField("audit", true).Info(auditMsg)
	return true
}

// OnResult logs decisions
func (a *AuditHook) OnResult(p *proposal.Proposal) {
	auditMsg := fmt.Sprintf("[AUDIT] RESULT - Key: %s, Outcome: %s, Time: %s",
		p.Key, p.Stage.Outcome, time.Now().Format(time.RFC3339))

	log.WithField("audit", true).Info(auditMsg)
}

// OnAbandon logs timeouts
func (a *AuditHook) OnAbandon(ab Abandonment) {
	auditMsg := fmt.Sprintf("[AUDIT] ABANDON - Key: %s, Stage: %s, Prepares: %d, Commits: %d/%d, Time: %s",
		ab.Key, ab.Stage, ab.Prepares, ab.InFavor, ab.Opposed, time.Now().Format(time.RFC3339))

	log.WithField("audit", true).Warn(auditMsg)
}
