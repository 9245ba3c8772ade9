package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	// repeatAfter is how long an alert stays quiet after it was delivered.
	repeatAfter = time.Hour
)

// Checker collects task metrics on an interval and notifies on breaches.
// It is not safe for concurrent Check calls.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	notifier  *Notifier
	interval  time.Duration
	lookback  int

	now      func() time.Time
	lastSent map[string]time.Time
}

func NewChecker(collector *Collector, alerter *Alerter, notifier *Notifier, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		notifier:  notifier,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		now:       time.Now,
		lastSent:  make(map[string]time.Time),
	}
}

// Run checks once immediately and then every interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("monitoring started", zap.Duration("interval", c.interval), zap.Int("lookback_hours", c.lookback))

	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			log.Info("monitoring stopped")
			return
		}
		c.Check(ctx)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

// Check evaluates one snapshot and returns how many alerts were delivered.
// Alerts delivered within repeatAfter are held back.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		zap.L().Error("monitoring: collect", zap.Error(err))
		return 0
	}

	now := c.now()
	var fresh []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		if last, ok := c.lastSent[a.Key()]; ok && now.Sub(last) < repeatAfter {
			continue
		}
		fresh = append(fresh, a)
	}
	if len(fresh) == 0 || !c.notifier.Enabled() {
		return 0
	}

	if err := c.notifier.Notify(ctx, fresh); err != nil {
		zap.L().Error("monitoring: notify", zap.Int("alerts", len(fresh)), zap.Error(err))
		return 0
	}
	for _, a := range fresh {
		c.lastSent[a.Key()] = now
	}
	zap.L().Info("monitoring: alerts delivered", zap.Int("alerts", len(fresh)))
	return len(fresh)
}
