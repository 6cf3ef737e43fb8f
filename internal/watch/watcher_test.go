package watch

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubVerifier struct {
	reports []*audit.Report
	calls   int
}

func (s *stubVerifier) VerifyIntegrity(_ context.Context) (*audit.Report, error) {
	r := s.reports[s.calls%len(s.reports)]
	s.calls++
	return r, nil
}

func passing() *audit.Report {
	return &audit.Report{OK: true, Entries: 3}
}

func failing() *audit.Report {
	return &audit.Report{OK: false, Entries: 3, Findings: []string{"index 1: content_hash mismatch"}}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestRunOnce_alertsOnDegradeTransitionOnly(t *testing.T) {
	v := &stubVerifier{reports: []*audit.Report{passing(), failing(), failing(), passing()}}
	w := New(v, Config{Interval: time.Minute}, zap.NewNop())

	var alerts int
	w.SetAlert(func(_ context.Context, r *audit.Report) {
		alerts++
		if len(r.Findings) == 0 {
			t.Error("alert fired with no findings")
		}
	})

	for i := 0; i < 4; i++ {
		w.RunOnce(context.Background())
	}

	if alerts != 1 {
		t.Errorf("alerts = %d, want 1 (only the pass->fail transition)", alerts)
	}
	if w.Runs() != 4 {
		t.Errorf("runs = %d, want 4", w.Runs())
	}
}

func TestRunOnce_reportsBackToCaller(t *testing.T) {
	v := &stubVerifier{reports: []*audit.Report{failing()}}
	w := New(v, Config{Interval: time.Minute}, zap.NewNop())

	r := w.RunOnce(context.Background())
	if r == nil || r.OK {
		t.Fatalf("report = %+v, want the failing report", r)
	}
}

func TestNew_appliesDefaults(t *testing.T) {
	w := New(&stubVerifier{reports: []*audit.Report{passing()}}, Config{}, zap.NewNop())
	if w.cfg.Interval != 10*time.Minute {
		t.Errorf("interval = %s", w.cfg.Interval)
	}
	if w.cfg.RunTimeout != 10*time.Minute-time.Second {
		t.Errorf("run timeout = %s", w.cfg.RunTimeout)
	}
}
