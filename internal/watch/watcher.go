// Package watch runs periodic background integrity verification and
// reports transitions between a passing and a failing chain.
package watch

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

// Config holds watcher configuration.
type Config struct {
	// Interval between verification runs. Defaults to 10 minutes.
	Interval time.Duration

	// RunTimeout bounds a single verification run. Defaults to one
	// second less than the interval.
	RunTimeout time.Duration
}

// Verifier is the slice of the ledger the watcher needs.
type Verifier interface {
	VerifyIntegrity(ctx context.Context) (*audit.Report, error)
}

// AlertFunc is an optional callback fired when the chain transitions from
// passing to failing.
type AlertFunc func(ctx context.Context, r *audit.Report)

// Watcher re-verifies the ledger on a timer.
type Watcher struct {
	verifier Verifier
	cfg      Config
	onAlert  AlertFunc
	logger   *zap.Logger

	mu      sync.Mutex
	failing bool
	runs    int
}

// New creates a Watcher.
func New(verifier Verifier, cfg Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = cfg.Interval - time.Second
	}
	return &Watcher{
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetAlert configures the failure-transition callback.
func (w *Watcher) SetAlert(fn AlertFunc) {
	w.onAlert = fn
}

// Start runs the verification loop until quit is signalled.
func (w *Watcher) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RunTimeout)
			w.RunOnce(ctx)
			cancel()
		case <-quit:
			return
		}
	}
}

// RunOnce performs a single verification pass and records the transition.
func (w *Watcher) RunOnce(ctx context.Context) *audit.Report {
	r, err := w.verifier.VerifyIntegrity(ctx)
	if err != nil {
		w.logger.Error("watch: verification run", zap.Error(err))
		return nil
	}

	w.mu.Lock()
	wasFailing := w.failing
	w.failing = !r.OK
	w.runs++
	w.mu.Unlock()

	switch {
	case !r.OK && !wasFailing:
		w.logger.Warn("watch: chain degraded", zap.String("summary", r.Summary()))
		if w.onAlert != nil {
			w.onAlert(ctx, r)
		}
	case !r.OK:
		w.logger.Warn("watch: chain still failing", zap.Int("findings", len(r.Findings)))
	case wasFailing:
		w.logger.Info("watch: chain recovered", zap.Int("entries", r.Entries))
	default:
		w.logger.Debug("watch: chain verified", zap.Int("entries", r.Entries))
	}
	return r
}

// Runs reports how many verification passes have completed.
func (w *Watcher) Runs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}
