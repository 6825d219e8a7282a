// Package http is the inbound HTTP adapter: the full route table, the
// admission middleware (request id, metrics, panic recovery), identity
// extraction, and the shared error envelope. Handlers translate between
// the wire and the application services; no governance decision is made
// here.
package http
