// Package sinks implements progress consumers: Prometheus collectors, the
// run-history repository, and structured logging.
package sinks
