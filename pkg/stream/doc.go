/*
Package stream consumes the store's change feed in time-windowed batches
and hands classified changes to a handler.

Classification keeps fan-out quiet: inserts become Created, status
transitions become StatusChanged, and everything else (attempt-count
updates, TTL removals) is dropped.

Offsets commit only after a window is handled, so delivery to the handler
is at-least-once. A batch the handler rejects is retried with bisection:
split in half, each half retried independently, until a single poison
record is isolated and dropped after MaxRetries. The feed never wedges on
one bad record.
*/
package stream
