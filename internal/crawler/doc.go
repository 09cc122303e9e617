// Package crawler defines the records, outcomes, errors, and collaborator
// interfaces shared by the crawl engine packages (frontier, robots, cache,
// worker, session) and by the persistence and fetch backends.
package crawler
