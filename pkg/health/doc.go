// Package health probes ServiceInstance reachability via HTTP, TCP, and
// script checks and folds the results into the starting/healthy/degraded/
// unhealthy state machine that the registry persists.
package health
