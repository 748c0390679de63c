package health

import (
	"context"
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/rs/zerolog"
)

// Monitor probes the delivery destination on an interval and tracks its
// health. The dispatcher keeps running regardless; the monitor exists so
// operators can tell a broken destination apart from a broken engine.
type Monitor struct {
	checker Checker
	cfg     Config
	logger  zerolog.Logger

	mu     sync.Mutex
	status *Status

	stopCh chan struct{}
}

// NewMonitor creates a destination health monitor.
func NewMonitor(checker Checker, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &Monitor{
		checker: checker,
		cfg:     cfg,
		logger:  log.WithComponent("health"),
		status:  NewStatus(),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the probe loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the probe loop
func (m *Monitor) Stop() {
	close(m.stopCh)
}

// Healthy reports the current destination state.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Healthy
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
			m.CheckOnce(ctx)
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// CheckOnce runs a single probe and folds it into the tracked status.
func (m *Monitor) CheckOnce(ctx context.Context) Result {
	result := m.checker.Check(ctx)

	m.mu.Lock()
	wasHealthy := m.status.Healthy
	m.status.Update(result, m.cfg)
	isHealthy := m.status.Healthy
	failures := m.status.ConsecutiveFailures
	m.mu.Unlock()

	if isHealthy {
		metrics.DestinationUp.Set(1)
	} else {
		metrics.DestinationUp.Set(0)
	}

	switch {
	case wasHealthy && !isHealthy:
		m.logger.Warn().Str("message", result.Message).Int("failures", failures).
			Msg("destination is down")
	case !wasHealthy && isHealthy:
		m.logger.Info().Str("message", result.Message).Msg("destination recovered")
	case !result.Healthy:
		m.logger.Debug().Str("message", result.Message).Int("failures", failures).
			Msg("destination probe failed")
	}

	return result
}
