// Package health runs periodic background verification of the event log and
// reports the outcome to the serving-status and metrics layers.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
)

// Config holds chain check configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	// FullEvery runs a full verification instead of a snapshot one on every
	// FullEvery-th check. 1 makes every check full.
	FullEvery int
}

// Verifier is the part of the event log the checker needs.
type Verifier interface {
	VerifyChain(ctx context.Context) (*eventlog.VerifyResult, error)
	VerifyFromSnapshot(ctx context.Context) (*eventlog.VerifyResult, error)
}

// Report is the outcome of one check.
type Report struct {
	At       time.Time              `json:"at"`
	Healthy  bool                   `json:"healthy"`
	Result   *eventlog.VerifyResult `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// StatusUpdateFunc is an optional callback invoked when the healthy state changes.
type StatusUpdateFunc func(healthy bool)

// MetricsRecordFunc is an optional callback for recording every check.
type MetricsRecordFunc func(r Report)

// ChainChecker runs periodic chain verification.
type ChainChecker struct {
	verifier Verifier
	cfg      Config
	logger   *zap.Logger

	onStatus  StatusUpdateFunc
	onMetrics MetricsRecordFunc

	mu      sync.Mutex
	checks  int
	last    *Report
	healthy bool
}

// New creates a new ChainChecker. It starts out healthy until a check says otherwise.
func New(verifier Verifier, cfg Config, logger *zap.Logger) *ChainChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = cfg.CheckInterval
	}
	if cfg.FullEvery == 0 {
		cfg.FullEvery = 12
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainChecker{
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
		healthy:  true,
	}
}

// SetStatusUpdate configures the status change callback.
func (h *ChainChecker) SetStatusUpdate(fn StatusUpdateFunc) {
	h.onStatus = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *ChainChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start checks once immediately, then every CheckInterval until stop is closed.
func (h *ChainChecker) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	h.runOnce()
	for {
		select {
		case <-ticker.C:
			h.runOnce()
		case <-stop:
			return
		}
	}
}

func (h *ChainChecker) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CheckTimeout)
	defer cancel()
	h.Check(ctx)
}

// Check runs one verification and updates the healthy state. Read failures
// and broken chains both count as unhealthy.
func (h *ChainChecker) Check(ctx context.Context) Report {
	h.mu.Lock()
	h.checks++
	full := h.checks%h.cfg.FullEvery == 0
	h.mu.Unlock()

	start := time.Now()
	var (
		res *eventlog.VerifyResult
		err error
	)
	if full {
		res, err = h.verifier.VerifyChain(ctx)
	} else {
		res, err = h.verifier.VerifyFromSnapshot(ctx)
	}
	rep := Report{At: start.UTC(), Result: res, Duration: time.Since(start)}
	if err != nil {
		rep.Error = err.Error()
	}
	rep.Healthy = err == nil && res != nil && res.Valid

	h.mu.Lock()
	prev := h.healthy
	h.healthy = rep.Healthy
	h.last = &rep
	h.mu.Unlock()

	switch {
	case err != nil:
		h.logger.Error("health: chain check could not read the log", zap.Error(err))
	case !res.Valid:
		h.logger.Error("health: chain corruption detected",
			zap.String("mode", string(res.Mode)),
			zap.Intp("index", res.FirstInvalidIndex),
			zap.String("id", res.FirstInvalidID),
			zap.String("reason", string(res.Reason)),
		)
	default:
		h.logger.Debug("health: chain verified",
			zap.String("mode", string(res.Mode)),
			zap.Int("total_verified", res.TotalVerified),
			zap.Duration("duration", rep.Duration),
		)
	}
	if prev && !rep.Healthy {
		h.logger.Warn("health: degraded")
	} else if !prev && rep.Healthy {
		h.logger.Info("health: recovered")
	}

	if h.onMetrics != nil {
		h.onMetrics(rep)
	}
	if h.onStatus != nil && prev != rep.Healthy {
		h.onStatus(rep.Healthy)
	}
	return rep
}

// Healthy reports the outcome of the latest check.
func (h *ChainChecker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// Last returns the latest report, or nil before the first check.
func (h *ChainChecker) Last() *Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil
	}
	r := *h.last
	return &r
}
