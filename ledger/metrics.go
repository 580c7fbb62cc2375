package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	applied  *prometheus.CounterVec
	replayed prometheus.Counter
	rejected *prometheus.CounterVec
	duration prometheus.Histogram
	voids    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_ledger_transfers_applied_total",
			Help: "Transfers applied, labeled by kind",
		}, []string{"kind"}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_ledger_transfers_replayed_total",
			Help: "Apply calls answered from an earlier application of the same transfer id",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_ledger_transfers_rejected_total",
			Help: "Transfers rejected, labeled by reason",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wallet_ledger_apply_duration_seconds",
			Help:    "Latency distribution of TransferLedger.Apply",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		voids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_ledger_voids_total",
			Help: "Void attempts, labeled by outcome",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{m.applied, m.replayed, m.rejected, m.duration, m.voids} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeApply(start time.Time, res TransferResult, err error) {
	if m == nil {
		return
	}
	m.duration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		m.rejected.WithLabelValues(rejectReason(err)).Inc()
	case res.Replayed:
		m.replayed.Inc()
	default:
		m.applied.WithLabelValues(string(res.Transfer.Kind)).Inc()
	}
}

func (m *Metrics) observeVoid(err error) {
	if m == nil {
		return
	}
	outcome := "voided"
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyVoided):
		outcome = "already_voided"
	case errors.Is(err, ErrVoidUnmarked):
		outcome = "unmarked"
	default:
		outcome = "failed"
	}
	m.voids.WithLabelValues(outcome).Inc()
}

// rejectReason maps an error to a low-cardinality label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrExceedsCredits):
		return "exceeds_credits"
	case errors.Is(err, ErrLedgerMismatch):
		return "ledger_mismatch"
	case errors.Is(err, ErrSelfTransfer):
		return "self_transfer"
	case errors.Is(err, ErrAmountOutOfRange):
		return "amount_out_of_range"
	case errors.Is(err, ErrUnknownPartition):
		return "unknown_partition"
	case errors.Is(err, ErrInvalidTransfer):
		return "invalid_transfer"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "other"
	}
}
