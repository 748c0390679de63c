package stream

import (
	"context"
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Classification describes what a change record means to subscribers.
type Classification int

const (
	// Created: the record has no prior image.
	Created Classification = iota

	// StatusChanged: the prior image's status differs from the new one.
	StatusChanged

	// Ignored: any other mutation, e.g. attempt-count-only updates.
	// Filtered out to avoid noisy fan-out.
	Ignored
)

// Change is one classified change feed record.
type Change struct {
	Class Classification
	Event *types.Event
}

// Handler processes one batch of classified changes. Returning an error
// triggers retry-with-bisection.
type Handler func(ctx context.Context, changes []Change) error

// Config holds change consumer settings.
type Config struct {
	// Window is the feed polling window.
	Window time.Duration

	// BatchSize caps records consumed per window.
	BatchSize int

	// MaxRetries bounds handler retries for a single-record batch before
	// the record is dropped as poison.
	MaxRetries int
}

// Consumer tails the store's change feed in time-windowed batches,
// classifies each record, and hands the batch to the handler. Offsets are
// committed only after successful handling, so delivery is at-least-once.
type Consumer struct {
	store   storage.Store
	handler Handler
	cfg     Config
	name    string
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// NewConsumer creates a change consumer. name keys the committed offset,
// so independent consumers can tail the feed at their own pace.
func NewConsumer(store storage.Store, name string, handler Handler, cfg Config) *Consumer {
	if cfg.Window <= 0 {
		cfg.Window = 1 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Consumer{
		store:   store,
		handler: handler,
		cfg:     cfg,
		name:    name,
		logger:  log.WithComponent("stream"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the consume loop
func (c *Consumer) Start() {
	go c.run()
}

// Stop stops the consume loop
func (c *Consumer) Stop() {
	close(c.stopCh)
}

func (c *Consumer) run() {
	ticker := time.NewTicker(c.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Window*10)
			if err := c.ConsumeOnce(ctx); err != nil {
				c.logger.Error().Err(err).Msg("feed consumption failed")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// ConsumeOnce reads and processes one window's worth of feed records.
func (c *Consumer) ConsumeOnce(ctx context.Context) error {
	offset, err := c.store.ReadOffset(c.name)
	if err != nil {
		return err
	}

	records, err := c.store.ReadChanges(offset, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	changes := make([]Change, 0, len(records))
	for _, rec := range records {
		change, ok := Classify(rec)
		if !ok {
			continue
		}
		changes = append(changes, change)
	}

	if len(changes) > 0 {
		c.process(ctx, changes)
	}

	// Commit past everything read this window, including ignored records.
	last := records[len(records)-1].Seq
	if err := c.store.CommitOffset(c.name, last); err != nil {
		return err
	}
	if _, err := c.store.PruneChanges(last); err != nil {
		return err
	}
	return nil
}

// process runs the handler with retry-with-bisection: a failing batch is
// split in half and the halves retried independently, isolating a poison
// record without losing the rest of the batch.
func (c *Consumer) process(ctx context.Context, changes []Change) {
	if len(changes) == 0 {
		return
	}

	if len(changes) == 1 {
		var err error
		for i := 0; i < c.cfg.MaxRetries; i++ {
			if err = c.handler(ctx, changes); err == nil {
				return
			}
		}
		c.logger.Error().Err(err).
			Str("event_id", changes[0].Event.ID).
			Msg("dropping poison change record")
		return
	}

	if err := c.handler(ctx, changes); err != nil {
		c.logger.Warn().Err(err).Int("batch", len(changes)).Msg("batch failed, bisecting")
		mid := len(changes) / 2
		c.process(ctx, changes[:mid])
		c.process(ctx, changes[mid:])
	}
}

// Classify maps a raw change record to a subscriber-visible change.
// Deletions (TTL expiry) are not a user-visible lifecycle event and are
// dropped here along with attempt-only updates.
func Classify(rec *types.ChangeRecord) (Change, bool) {
	switch rec.Kind {
	case types.ChangeInsert:
		if rec.NewImage == nil {
			return Change{}, false
		}
		return Change{Class: Created, Event: rec.NewImage}, true

	case types.ChangeModify:
		if rec.NewImage == nil || rec.OldImage == nil {
			return Change{}, false
		}
		if rec.OldImage.Status != rec.NewImage.Status {
			return Change{Class: StatusChanged, Event: rec.NewImage}, true
		}
		return Change{}, false

	default:
		return Change{}, false
	}
}
