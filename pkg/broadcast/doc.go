/*
Package broadcast fans classified event changes out to every registered
dashboard connection.

Sends run concurrently with a per-connection timeout so one slow consumer
never delays the rest. A transport that reports ErrConnectionGone gets
its registry entry pruned on the spot; transient failures are only
counted, since the next change re-delivers current state anyway.
*/
package broadcast
