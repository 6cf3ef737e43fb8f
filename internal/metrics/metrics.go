// Package metrics exposes Prometheus counters for ledger activity. The
// ledger has no HTTP surface, so the collected metrics are rendered on
// demand in the Prometheus text format instead of being scraped.
package metrics

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	salEntriesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sal_entries_appended_total",
		Help: "Total ledger entries appended.",
	})

	salBatchesSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sal_batches_sealed_total",
		Help: "Total Merkle batches sealed.",
	})

	salKeyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sal_key_rotations_total",
		Help: "Total HMAC tag key rotations recorded.",
	})

	salVerifyRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sal_verify_runs_total",
		Help: "Total integrity verification runs by result.",
	}, []string{"result"})

	salVerifyFindingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sal_verify_findings_total",
		Help: "Total tamper findings reported by verification runs.",
	})

	salProofsGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sal_proofs_generated_total",
		Help: "Total proof bundles generated.",
	})

	salAppendTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sal_append_timeouts_total",
		Help: "Total appends rejected because the writer lock was not acquired in time.",
	})

	salAnchorPinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sal_anchor_pins_total",
		Help: "Total batch anchor pins by backend and outcome.",
	}, []string{"backend", "status"})
)

// RecordEntryAppended records one appended entry.
func RecordEntryAppended() {
	salEntriesAppendedTotal.Inc()
}

// RecordBatchSealed records one sealed batch.
func RecordBatchSealed() {
	salBatchesSealedTotal.Inc()
}

// RecordKeyRotation records one tag key rotation.
func RecordKeyRotation() {
	salKeyRotationsTotal.Inc()
}

// RecordVerifyRun records one verification run and its finding count.
// result is "ok", "tamper", or "key_missing".
func RecordVerifyRun(result string, findings int) {
	salVerifyRunsTotal.WithLabelValues(result).Inc()
	salVerifyFindingsTotal.Add(float64(findings))
}

// RecordProofGenerated records one generated proof bundle.
func RecordProofGenerated() {
	salProofsGeneratedTotal.Inc()
}

// RecordAppendTimeout records one writer-lock acquisition timeout.
func RecordAppendTimeout() {
	salAppendTimeoutsTotal.Inc()
}

// RecordAnchorPin records an anchor pin attempt against one backend.
func RecordAnchorPin(backend string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	salAnchorPinsTotal.WithLabelValues(backend, status).Inc()
}

// Dump renders every registered metric in the Prometheus text format.
func Dump() (string, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encode metric family %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
