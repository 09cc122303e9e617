// Package progress batches crawl events and fans them out to sinks so
// progress reporting never slows the fetch workers.
package progress
