// Package observability provides an OpenTelemetry metrics extension for
// crew. The MetricsExtension implements lifecycle hooks to record counters
// for worker and task events, a histogram of task execution time, and an
// up/down counter of live workers.
package observability
