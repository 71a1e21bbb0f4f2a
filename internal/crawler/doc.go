// Package crawler holds the shared vocabulary of the extraction engine: the
// candidate URL, the tagged outcome every extraction method returns, the
// attempt records handed to telemetry, the final per-URL result, and the small
// ports (interfaces) the orchestrator and worker are wired through.
package crawler
