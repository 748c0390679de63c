package storage

import (
	"time"

	"github.com/burrowhq/burrow/pkg/log"
)

// Sweeper periodically purges events whose retention TTL has passed.
// Expiry is independent of delivery outcome; the feed records it emits
// are REMOVE kinds, which the change consumer drops.
type Sweeper struct {
	store    Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewSweeper creates a retention sweeper.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	go s.run()
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	logger := log.WithComponent("sweeper")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			purged, err := s.store.PurgeExpired(time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("retention sweep failed")
				continue
			}
			if purged > 0 {
				logger.Info().Int("purged", purged).Msg("expired events purged")
			}
		case <-s.stopCh:
			return
		}
	}
}
