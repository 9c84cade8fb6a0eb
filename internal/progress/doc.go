// Package progress carries job lifecycle and document events from workers to
// pluggable sinks (logs, Prometheus, run history) through a non-blocking,
// batching hub.
package progress
