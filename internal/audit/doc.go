// Package audit implements async, append-only recording of security-relevant
// operations.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, no-op,
//     fan-out). Postgres persistence lives in store/postgres.
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full
//     semantics. Sink errors are logged and counted, never surfaced.
//   - [Event]: record with ULID id, actor, action, entity, status, request
//     id, client metadata.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit. The Engine's audit subscriber maps domain events to records.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import authcore or any sibling internal package other than internal/ids.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
