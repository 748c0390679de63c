package storage

import (
	"errors"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConditionFailed is returned when a conditional claim loses the
	// compare-and-swap, i.e. another dispatch cycle already claimed the
	// event at that attempt count. Benign under concurrency.
	ErrConditionFailed = errors.New("condition failed")

	// ErrTerminalState is returned when a mutation targets an event that
	// is already delivered or failed.
	ErrTerminalState = errors.New("event is in a terminal state")
)

// Store defines the interface for event and connection state storage.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Events
	CreateEvent(event *types.Event) error
	GetEvent(id string) (*types.Event, error)
	ListEventsByStatus(status types.EventStatus, limit int) ([]*types.Event, error)

	// ClaimEvent performs the conditional claim: it increments the
	// attempt counter and stamps the attempt time only if the stored
	// counter still equals expectedAttempts. Returns the claimed event,
	// or ErrConditionFailed if the compare-and-swap lost.
	ClaimEvent(id string, expectedAttempts int, now time.Time) (*types.Event, error)

	// Resolve* finish a claimed delivery. attempts is the cumulative
	// attempt count including every call made this cycle; it may only
	// grow the stored counter. ResolveRetrying leaves the event pending
	// and eligible for the next cycle.
	ResolveDelivered(id string, attempts int, latencyMs int64) error
	ResolveFailed(id string, attempts int, errorMessage string) error
	ResolveRetrying(id string, attempts int, errorMessage string) error

	// AckEvent marks an event delivered on behalf of an external
	// consumer acknowledgment, without touching delivery metrics.
	AckEvent(id string) error
	DeleteEvent(id string) error
	PurgeExpired(now time.Time) (int, error)

	// Connections
	PutConnection(conn *types.Connection) error
	GetConnection(id string) (*types.Connection, error)
	ListActiveConnections(now time.Time) ([]*types.Connection, error)
	DeleteConnection(id string) error

	// Change feed
	ReadChanges(afterSeq uint64, limit int) ([]*types.ChangeRecord, error)
	PruneChanges(upToSeq uint64) (int, error)
	CommitOffset(consumer string, seq uint64) error
	ReadOffset(consumer string) (uint64, error)

	// Utility
	Close() error
}
