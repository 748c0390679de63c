package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEvents      = []byte("events")
	bucketConnections = []byte("connections")
	bucketChangelog   = []byte("changelog")
	bucketOffsets     = []byte("feed_offsets")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketConnections,
			bucketChangelog,
			bucketOffsets,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Event operations

func (s *BoltStore) CreateEvent(event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putEvent(tx, event); err != nil {
			return err
		}
		return appendChange(tx, types.ChangeInsert, nil, event)
	})
}

func (s *BoltStore) GetEvent(id string) (*types.Event, error) {
	var event *types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		event, err = getEvent(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListEventsByStatus returns up to limit events in the given status,
// ordered so never-attempted events come first, then oldest attempts.
// This gives starved events priority over recently retried ones.
func (s *BoltStore) ListEventsByStatus(status types.EventStatus, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		return b.ForEach(func(k, v []byte) error {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.Status == status {
				events = append(events, &event)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].LastDeliveryAttempt, events[j].LastDeliveryAttempt
		if a == nil && b == nil {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		if a == nil {
			return true
		}
		if b == nil {
			return false
		}
		return a.Before(*b)
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// ClaimEvent increments delivery_attempts and stamps last_delivery_attempt,
// conditioned on the stored counter still equalling expectedAttempts. The
// whole check-and-set runs inside one write transaction, so concurrent
// cycles can never both win a claim for the same attempt count.
func (s *BoltStore) ClaimEvent(id string, expectedAttempts int, now time.Time) (*types.Event, error) {
	var claimed *types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		event, err := getEvent(tx, id)
		if err != nil {
			return err
		}
		if event.Status != types.EventStatusPending {
			return fmt.Errorf("event %s is %s: %w", id, event.Status, ErrConditionFailed)
		}
		if event.DeliveryAttempts != expectedAttempts {
			return fmt.Errorf("event %s attempts=%d expected=%d: %w",
				id, event.DeliveryAttempts, expectedAttempts, ErrConditionFailed)
		}

		old := *event
		attemptAt := now.UTC()
		event.DeliveryAttempts++
		event.LastDeliveryAttempt = &attemptAt
		event.UpdatedAt = attemptAt

		if err := putEvent(tx, event); err != nil {
			return err
		}
		if err := appendChange(tx, types.ChangeModify, &old, event); err != nil {
			return err
		}
		claimed = event
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) ResolveDelivered(id string, attempts int, latencyMs int64) error {
	return s.resolve(id, attempts, func(event *types.Event) {
		event.Status = types.EventStatusDelivered
		event.DeliveryLatencyMs = &latencyMs
		event.ErrorMessage = ""
	})
}

func (s *BoltStore) ResolveFailed(id string, attempts int, errorMessage string) error {
	return s.resolve(id, attempts, func(event *types.Event) {
		event.Status = types.EventStatusFailed
		event.ErrorMessage = errorMessage
	})
}

// AckEvent marks an event delivered via an external acknowledgment.
func (s *BoltStore) AckEvent(id string) error {
	return s.resolve(id, 0, func(event *types.Event) {
		event.Status = types.EventStatusDelivered
		event.ErrorMessage = ""
	})
}

// ResolveRetrying records the last delivery error but leaves the event
// pending, so it stays eligible for the next dispatch cycle.
func (s *BoltStore) ResolveRetrying(id string, attempts int, errorMessage string) error {
	return s.resolve(id, attempts, func(event *types.Event) {
		event.ErrorMessage = errorMessage
	})
}

// resolve applies a mutation to a pending event and appends the change
// record in the same transaction. Terminal events reject further mutation.
// The attempt counter never decreases.
func (s *BoltStore) resolve(id string, attempts int, mutate func(*types.Event)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		event, err := getEvent(tx, id)
		if err != nil {
			return err
		}
		if event.Status.Terminal() {
			return fmt.Errorf("event %s is %s: %w", id, event.Status, ErrTerminalState)
		}

		old := *event
		mutate(event)
		now := time.Now().UTC()
		if attempts > event.DeliveryAttempts {
			event.DeliveryAttempts = attempts
			event.LastDeliveryAttempt = &now
		}
		event.UpdatedAt = now

		if err := putEvent(tx, event); err != nil {
			return err
		}
		return appendChange(tx, types.ChangeModify, &old, event)
	})
}

func (s *BoltStore) DeleteEvent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		event, err := getEvent(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEvents).Delete([]byte(id)); err != nil {
			return err
		}
		return appendChange(tx, types.ChangeRemove, event, nil)
	})
}

// PurgeExpired deletes events whose TTL has passed, regardless of status.
// Returns the number of events removed.
func (s *BoltStore) PurgeExpired(now time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		var expired []*types.Event
		err := b.ForEach(func(k, v []byte) error {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if !event.TTL.IsZero() && now.After(event.TTL) {
				expired = append(expired, &event)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, event := range expired {
			if err := b.Delete([]byte(event.ID)); err != nil {
				return err
			}
			if err := appendChange(tx, types.ChangeRemove, event, nil); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// Connection operations

func (s *BoltStore) PutConnection(conn *types.Connection) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		data, err := json.Marshal(conn)
		if err != nil {
			return err
		}
		return b.Put([]byte(conn.ConnectionID), data)
	})
}

func (s *BoltStore) GetConnection(id string) (*types.Connection, error) {
	var conn types.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("connection %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &conn)
	})
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// ListActiveConnections returns all registered connections whose TTL has
// not passed. Expired entries are skipped, not deleted; the broadcaster's
// cleanup path removes them lazily when a send fails.
func (s *BoltStore) ListActiveConnections(now time.Time) ([]*types.Connection, error) {
	var conns []*types.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		return b.ForEach(func(k, v []byte) error {
			var conn types.Connection
			if err := json.Unmarshal(v, &conn); err != nil {
				return err
			}
			if !conn.Expired(now) {
				conns = append(conns, &conn)
			}
			return nil
		})
	})
	return conns, err
}

// DeleteConnection removes a connection. Deleting an absent connection is
// a no-op, so the broadcaster's cleanup and explicit disconnects can race
// safely.
func (s *BoltStore) DeleteConnection(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnections).Delete([]byte(id))
	})
}

// Change feed operations

// ReadChanges returns up to limit change records with sequence numbers
// strictly greater than afterSeq, in sequence order.
func (s *BoltStore) ReadChanges(afterSeq uint64, limit int) ([]*types.ChangeRecord, error) {
	var records []*types.ChangeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChangelog).Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var rec types.ChangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	return records, err
}

// PruneChanges deletes change records up to and including upToSeq. Called
// by the consumer after committing its offset to keep the log bounded.
func (s *BoltStore) PruneChanges(upToSeq uint64) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChangelog).Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= upToSeq; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (s *BoltStore) CommitOffset(consumer string, seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOffsets).Put([]byte(consumer), seqKey(seq))
	})
}

func (s *BoltStore) ReadOffset(consumer string) (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOffsets).Get([]byte(consumer))
		if data != nil {
			seq = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return seq, err
}

// Helpers

func getEvent(tx *bolt.Tx, id string) (*types.Event, error) {
	data := tx.Bucket(bucketEvents).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	var event types.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func putEvent(tx *bolt.Tx, event *types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketEvents).Put([]byte(event.ID), data)
}

// appendChange writes one change record to the log within the caller's
// transaction, so event mutation and feed entry commit atomically.
func appendChange(tx *bolt.Tx, kind types.ChangeKind, oldImage, newImage *types.Event) error {
	b := tx.Bucket(bucketChangelog)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	rec := types.ChangeRecord{
		Seq:      seq,
		Kind:     kind,
		OldImage: oldImage,
		NewImage: newImage,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	return b.Put(seqKey(seq), data)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
