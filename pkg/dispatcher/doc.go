/*
Package dispatcher implements the delivery engine: the cycle loop that
selects pending events, claims them, posts them to the webhook, and
resolves their state.

# Cycle anatomy

	select pending (starved-first, batch-capped)
	   │
	   ▼ per event, bounded by Workers
	claim (conditional attempt increment)
	   │  lost claim -> conflict, skip; another cycle owns it
	   ▼
	deliver, up to CycleRetries calls with exponential backoff
	   │
	   ├── 2xx            -> delivered (latency recorded)
	   ├── other 4xx      -> failed, no retry can help
	   └── 5xx/429/error  -> retry; after budget, retained pending

# Attempt accounting

Exclusivity and accounting are both carried by the event's cumulative
attempt counter. The claim consumes one attempt; each in-cycle retry
consumes another; the resolve writes the final count back. An event whose
counter has reached MaxAttempts is failed at the next cycle's selection,
before any delivery call is made.

A cycle that hits its deadline mid-retry abandons the event without
rolling back the claim. The event simply stays pending and a later cycle
picks it up with a fresh budget.

Cycles share no state with each other; everything goes through the
store's conditional claim, so overlapping cycles (or several processes on
one store) are safe.
*/
package dispatcher
