// Package crawler holds the request, page, and report types plus the error
// taxonomy shared by the validator, discovery, fetchers, extractor, cache and
// orchestrator.
package crawler
