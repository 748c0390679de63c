/*
Package storage provides the durable event store backing burrow, built on
BoltDB with a transactional change feed.

# Layout

Four buckets in one database file:

	events       event id -> JSON event
	connections  connection id -> JSON connection record
	changelog    big-endian sequence -> JSON change record
	feed_offsets consumer name -> big-endian committed sequence

# Conditional claim

ClaimEvent is the concurrency primitive the dispatcher is built on. It
increments delivery_attempts only if the stored counter still equals the
caller's expected value, inside a single write transaction:

	claimed, err := store.ClaimEvent(id, expectedAttempts, time.Now())
	if errors.Is(err, ErrConditionFailed) {
		// another dispatch cycle owns this attempt
	}

Two overlapping cycles that selected the same snapshot race on the same
expected counter; exactly one wins. The loser needs no cleanup.

# State machine

Events move pending -> delivered or pending -> failed and never out of a
terminal state; resolve operations on settled events return
ErrTerminalState. The attempt counter only grows, even if a caller hands
in a smaller cumulative count.

# Change feed

Every event mutation appends a change record in the same transaction, so
the feed never misses or invents a change. Records carry the old and new
event image plus a monotonic sequence from bucket.NextSequence. Consumers
read past their committed offset, commit, then prune:

	recs, _ := store.ReadChanges(offset, batch)
	// ... handle ...
	store.CommitOffset("broadcaster", last)
	store.PruneChanges(last)

Expired events are purged by the Sweeper regardless of status; purges
emit REMOVE records that subscribers drop.
*/
package storage
