/*
Package health probes the configured webhook destination so operators can
tell a broken destination apart from a broken delivery engine.

The Monitor runs an HTTPChecker on an interval and folds results into a
Status with hysteresis: it takes Retries consecutive failures to mark the
destination down, and a single success to mark it back up, so transient
network blips never flip the state.

	checker := health.NewHTTPChecker("https://example.com/hook")
	monitor := health.NewMonitor(checker, health.DefaultConfig())
	monitor.Start()
	defer monitor.Stop()

The current state is exported as the burrow_destination_up gauge and via
Monitor.Healthy. Delivery itself never consults the monitor; a down
destination just means retries and backoff do their job.
*/
package health
