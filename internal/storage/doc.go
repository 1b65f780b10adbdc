// Package storage provides the persistence drivers behind the moderation
// store: an in-memory map store for tests and small deployments, and a
// SQLite store for durable records.
package storage
