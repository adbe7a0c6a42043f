// Package scheduler implements the Job Master's eager scheduler and
// deployment pipeline, plus a pluggable failover strategy for restarting
// failed vertices (spec.md §4.6).
package scheduler
