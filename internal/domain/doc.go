// Package domain defines the core domain types and interfaces.
//
// Messages, envelopes, topic filters, client handles and the broker contract live here.
// No transport code - just contracts shared by the adapters and the fan-out core.
package domain
