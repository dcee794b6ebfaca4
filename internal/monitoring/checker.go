package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// CheckResult reports one pass of the alert checker.
type CheckResult struct {
	Triggered []Alert `json:"triggered"`
	Fresh     []Alert `json:"fresh"`
	Sent      int     `json:"sent"`
	Cleared   int     `json:"cleared"`
}

// Checker polls the run log and notifies on alert conditions. A condition
// that stays active across passes (the same failed run, the same stale
// snapshot) is notified once; it notifies again only after it clears and
// reappears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	every     time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

// NewChecker creates a Checker. A non-positive check interval falls back to
// five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	every := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if every <= 0 {
		every = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		every:     every,
		active:    make(map[string]struct{}),
	}
}

func (c *Checker) interval() time.Duration { return c.every }

// Run checks once immediately, then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert checker started",
		zap.Duration("interval", c.every),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.every)
	defer ticker.Stop()

	for {
		if _, err := c.Check(ctx); err != nil {
			log.Error("monitoring: alert check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects a summary, evaluates it and sends the alerts that were not
// already active on the previous pass.
func (c *Checker) Check(ctx context.Context) (*CheckResult, error) {
	sum, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{Triggered: c.alerter.Evaluate(sum)}

	c.mu.Lock()
	seen := make(map[string]struct{}, len(res.Triggered))
	for _, a := range res.Triggered {
		key := alertKey(a)
		seen[key] = struct{}{}
		if _, ok := c.active[key]; !ok {
			res.Fresh = append(res.Fresh, a)
		}
	}
	for key := range c.active {
		if _, ok := seen[key]; !ok {
			res.Cleared++
		}
	}
	c.active = seen
	c.mu.Unlock()

	if len(res.Fresh) > 0 {
		res.Sent = c.alerter.SendAlerts(ctx, res.Fresh)
	}

	zap.L().Debug("monitoring: alert check complete",
		zap.String("component", "monitoring.checker"),
		zap.Int("triggered", len(res.Triggered)),
		zap.Int("fresh", len(res.Fresh)),
		zap.Int("sent", res.Sent),
		zap.Int("cleared", res.Cleared),
	)
	return res, nil
}

// alertKey identifies the condition behind an alert.
func alertKey(a Alert) string {
	switch a.Type {
	case AlertJobFailure:
		return fmt.Sprintf("%s:%v", a.Type, a.Details["run_id"])
	case AlertStaleSnapshot:
		return fmt.Sprintf("%s:%v", a.Type, a.Details["snapshot_id"])
	}
	return string(a.Type)
}
