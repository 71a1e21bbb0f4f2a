// Package output writes final per-URL extraction results. Results are
// written synchronously by the worker; sinks must be safe for concurrent use.
package output
