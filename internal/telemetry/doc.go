// Package telemetry carries ExtractionAttempt records off the extraction
// path. The Hub buffers attempts on a background goroutine, batches them, and
// fans them out to pluggable sinks; a failing sink is retried a bounded
// number of times and then dropped with a warning. Emit never blocks and
// never panics into the caller.
package telemetry
