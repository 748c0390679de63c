package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/delivery"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/retry"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds dispatcher engine settings.
type Config struct {
	// Interval is the dispatch cycle cadence for the Run loop.
	Interval time.Duration

	// BatchSize caps how many pending events one cycle selects.
	BatchSize int

	// Workers bounds concurrent deliveries within a cycle. Zero means
	// fully parallel up to BatchSize.
	Workers int

	// CycleRetries is the per-cycle attempt budget for one event.
	CycleRetries int

	// MaxAttempts is the cumulative attempt cap across all cycles.
	MaxAttempts int

	// Backoff shapes the delay between intra-cycle retries.
	Backoff retry.Schedule
}

// CycleStats aggregates the outcome of one dispatch cycle. Per-event
// failures never abort the cycle; they land here for observability.
type CycleStats struct {
	Selected    int
	Claimed     int
	Conflicts   int
	Delivered   int
	Failed      int
	Retained    int
	Abandoned   int
	StoreErrors int
}

// Engine orchestrates claiming, delivering, and resolving pending events.
// All coordination with concurrent cycles goes through the store's
// conditional claim; the engine keeps no cross-cycle state.
type Engine struct {
	store  storage.Store
	client *delivery.Client
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewEngine creates a dispatcher engine.
func NewEngine(store storage.Store, client *delivery.Client, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.BatchSize
	}
	if cfg.CycleRetries <= 0 {
		cfg.CycleRetries = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3 * cfg.CycleRetries
	}
	if cfg.Backoff.BaseDelay <= 0 || cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff = retry.NewSchedule(cfg.Backoff.BaseDelay, cfg.Backoff.MaxDelay)
	}
	return &Engine{
		store:  store,
		client: client,
		cfg:    cfg,
		logger: log.WithComponent("dispatcher"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the dispatch loop
func (e *Engine) Start() {
	go e.run()
}

// Stop stops the dispatch loop
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// The cycle must finish before the next trigger; claims
			// abandoned at the deadline stay pending and are simply
			// re-attempted later.
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Interval)
			stats, err := e.RunCycle(ctx)
			cancel()
			if err != nil {
				e.logger.Error().Err(err).Msg("dispatch cycle failed")
				continue
			}
			e.logger.Info().
				Int("selected", stats.Selected).
				Int("delivered", stats.Delivered).
				Int("failed", stats.Failed).
				Int("retained", stats.Retained).
				Int("conflicts", stats.Conflicts).
				Int("store_errors", stats.StoreErrors).
				Msg("dispatch cycle complete")
		case <-e.stopCh:
			return
		}
	}
}

// RunCycle performs one dispatch cycle: select pending events, claim each
// via conditional update, deliver claimed events concurrently, and resolve
// their state. Returns aggregate stats; the only error returned is a
// failure of the initial select.
func (e *Engine) RunCycle(ctx context.Context) (CycleStats, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CycleDuration)

	var stats CycleStats

	events, err := e.store.ListEventsByStatus(types.EventStatusPending, e.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Selected = len(events)
	if len(events) == 0 {
		return stats, nil
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.Workers)

	for _, event := range events {
		wg.Add(1)
		sem <- struct{}{}
		go func(event *types.Event) {
			defer wg.Done()
			defer func() { <-sem }()
			e.processEvent(ctx, event, &stats)
		}(event)
	}
	wg.Wait()

	metrics.EventsProcessed.Add(float64(stats.Selected))
	return stats, nil
}

// processEvent handles one selected event end to end. Store errors abort
// this event only.
func (e *Engine) processEvent(ctx context.Context, event *types.Event, stats *CycleStats) {
	logger := log.WithEventID(event.ID)

	// Cumulative cap reached in a previous cycle: fail without another
	// delivery call.
	if event.DeliveryAttempts >= e.cfg.MaxAttempts {
		reason := event.ErrorMessage
		if reason == "" {
			reason = "max delivery attempts exceeded"
		}
		if err := e.store.ResolveFailed(event.ID, event.DeliveryAttempts, reason); err != nil {
			e.recordStoreError(logger, stats, "failed to mark exhausted event", err)
			return
		}
		e.addStat(stats, func(s *CycleStats) { s.Failed++ })
		logger.Warn().Int("attempts", event.DeliveryAttempts).Msg("delivery attempts exhausted")
		return
	}

	claimed, err := e.store.ClaimEvent(event.ID, event.DeliveryAttempts, time.Now())
	if err != nil {
		if errors.Is(err, storage.ErrConditionFailed) {
			// Another cycle holds this attempt. Expected under overlap.
			metrics.ClaimConflictsTotal.Inc()
			e.addStat(stats, func(s *CycleStats) { s.Conflicts++ })
			logger.Debug().Msg("claim lost to concurrent cycle")
			return
		}
		e.recordStoreError(logger, stats, "failed to claim event", err)
		return
	}
	e.addStat(stats, func(s *CycleStats) { s.Claimed++ })

	e.deliverClaimed(ctx, claimed, stats, logger)
}

// deliverClaimed runs the intra-cycle retry loop for one claimed event.
// The budget is the per-cycle retry limit, further bounded by the
// cumulative cap. Attempts for the same event are strictly sequential.
func (e *Engine) deliverClaimed(ctx context.Context, event *types.Event, stats *CycleStats, logger zerolog.Logger) {
	// The claim already counted the first call.
	budget := e.cfg.CycleRetries
	if remaining := e.cfg.MaxAttempts - event.DeliveryAttempts + 1; remaining < budget {
		budget = remaining
	}

	var lastErr string
	calls := 0

	for calls < budget {
		calls++
		attempts := event.DeliveryAttempts + calls - 1

		result := e.client.Deliver(ctx, event)

		switch result.Outcome {
		case delivery.Success:
			metrics.DeliveriesTotal.WithLabelValues("success").Inc()
			metrics.DeliveryLatency.Observe(result.Latency.Seconds())
			latencyMs := result.Latency.Milliseconds()
			if latencyMs < 1 {
				latencyMs = 1
			}
			if err := e.store.ResolveDelivered(event.ID, attempts, latencyMs); err != nil {
				e.recordStoreError(logger, stats, "failed to mark event delivered", err)
				return
			}
			e.addStat(stats, func(s *CycleStats) { s.Delivered++ })
			logger.Info().Int("attempts", attempts).Dur("latency", result.Latency).Msg("event delivered")
			return

		case delivery.NonRetryableFailure:
			// Short-circuit: no backoff, no further attempts.
			metrics.DeliveriesTotal.WithLabelValues("non_retryable").Inc()
			if err := e.store.ResolveFailed(event.ID, attempts, result.Error()); err != nil {
				e.recordStoreError(logger, stats, "failed to mark event failed", err)
				return
			}
			e.addStat(stats, func(s *CycleStats) { s.Failed++ })
			logger.Warn().Int("status", result.StatusCode).Msg("non-retryable delivery failure")
			return

		case delivery.RetryableFailure:
			metrics.DeliveriesTotal.WithLabelValues("retryable").Inc()
			lastErr = result.Error()
			logger.Debug().Str("error", lastErr).Int("attempt", calls).Msg("retryable delivery failure")

			if calls < budget {
				metrics.RetriesTotal.Inc()
				select {
				case <-time.After(e.cfg.Backoff.Backoff(calls - 1)):
				case <-ctx.Done():
					// Deadline hit mid retry loop. The claim is not
					// rolled back; the event stays pending for a
					// future cycle.
					e.addStat(stats, func(s *CycleStats) { s.Abandoned++ })
					logger.Warn().Msg("delivery abandoned at cycle deadline")
					return
				}
			}
		}
	}

	// Retryable failures exhausted the intra-cycle budget. The event
	// stays pending with the last error recorded; the cumulative cap is
	// enforced at the next cycle's select, before any delivery call.
	finalAttempts := event.DeliveryAttempts + calls - 1
	if err := e.store.ResolveRetrying(event.ID, finalAttempts, lastErr); err != nil {
		e.recordStoreError(logger, stats, "failed to record retry state", err)
		return
	}
	e.addStat(stats, func(s *CycleStats) { s.Retained++ })
	logger.Info().Int("attempts", finalAttempts).Msg("event retained for next cycle")
}

func (e *Engine) addStat(stats *CycleStats, apply func(*CycleStats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	apply(stats)
}

func (e *Engine) recordStoreError(logger zerolog.Logger, stats *CycleStats, msg string, err error) {
	metrics.StoreErrorsTotal.Inc()
	e.addStat(stats, func(s *CycleStats) { s.StoreErrors++ })
	logger.Error().Err(err).Msg(msg)
}
