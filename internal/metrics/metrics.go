package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lennardhq/letterflow/internal/models"
)

// Metrics exposes workflow counters to Prometheus.
type Metrics struct {
	tasksProcessed   *prometheus.CounterVec
	decisionsHandled *prometheus.CounterVec
	lettersDelivered prometheus.Counter
	approvalFailures *prometheus.CounterVec
	approvalStates   *prometheus.GaugeVec
}

// New registers and returns the workflow metrics.
func New() *Metrics {
	return &Metrics{
		tasksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "letterflow",
			Name:      "tasks_processed_total",
			Help:      "Tasks run through the pre-approval pipeline, by result.",
		}, []string{"result"}),
		decisionsHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "letterflow",
			Name:      "decisions_total",
			Help:      "Reviewer decisions applied, by kind.",
		}, []string{"kind"}),
		lettersDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "letterflow",
			Name:      "letters_delivered_total",
			Help:      "Letters handed to the mail carrier.",
		}),
		approvalFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "letterflow",
			Name:      "approval_failures_total",
			Help:      "Approvals that ended in FAILED, by pipeline step.",
		}, []string{"step"}),
		approvalStates: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "letterflow",
			Name:      "approvals_by_state",
			Help:      "Current approval records per state.",
		}, []string{"state"}),
	}
}

// TaskProcessed counts one pipeline run.
func (m *Metrics) TaskProcessed(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.tasksProcessed.WithLabelValues(result).Inc()
}

// DecisionHandled counts one applied reviewer decision.
func (m *Metrics) DecisionHandled(kind models.DecisionKind) {
	m.decisionsHandled.WithLabelValues(string(kind)).Inc()
}

// LetterDelivered counts one carrier submission.
func (m *Metrics) LetterDelivered() {
	m.lettersDelivered.Inc()
}

// ApprovalFailed counts one failed approval.
func (m *Metrics) ApprovalFailed(step string) {
	m.approvalFailures.WithLabelValues(step).Inc()
}

// SetStateCounts updates the per-state gauges.
func (m *Metrics) SetStateCounts(counts map[models.ApprovalState]int) {
	for _, state := range []models.ApprovalState{
		models.StatePendingApproval,
		models.StateNeedsImprovement,
		models.StateApproved,
		models.StateCompleted,
		models.StateRejected,
		models.StateFailed,
	} {
		m.approvalStates.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}
