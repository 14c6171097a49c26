// Package outbox implements the transactional outbox for identity integration events.
//
// Business handlers append a Record in the same database transaction as the
// state change that raised the event, either through a Writer or by calling
// Store.Append with their own transaction. A Relay later fetches pending
// records in batches, decodes them through a Registry and publishes them.
// Delivery is at-least-once: a record becomes terminal only once it has been
// published or dead-lettered, and consumers must tolerate duplicates.
//
// Per-record failures stay local to a cycle. A publish failure consumes one
// attempt and leaves the record pending until the attempts are exhausted, a
// payload that cannot be decoded is dead-lettered right away. A store failure
// rolls back the whole batch so that no partial outcome is committed.
//
// A Sweeper purges terminal records older than the retention window.
package outbox
