// Package metrics defines the observability surface shared by the NNTP and
// IMAP engines and the listener lifecycle (component G). Grounded on
// infodancer-pop3d's internal/metrics package: a small Collector interface
// with a Prometheus-backed implementation and a no-op default, rather than
// a structured-logging library the rest of this codebase never reaches
// for either.
package metrics

// Collector records server-wide counters. proto is "nntp" or "imap" so one
// Collector can serve both engines sharing a listener process.
type Collector interface {
	ConnectionOpened(proto string)
	ConnectionClosed(proto string)
	TLSConnectionEstablished(proto string)

	AuthAttempt(proto string, success bool)
	CommandProcessed(proto, command string)

	MessagePosted(proto string, sizeBytes int)
	MessageFetched(proto string, sizeBytes int)
}
