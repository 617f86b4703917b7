// Package httpmw holds the request middleware for the public edge
// listener. httpserver.NewHandler owns the ordering; nothing here
// assumes a position in the chain beyond what its own doc states.
//
// Log output never carries client-supplied values (query strings,
// user agents, arbitrary headers): the access log sticks to fields we
// mint or resolve ourselves, which rules out both PII spills and log
// injection.
package httpmw
