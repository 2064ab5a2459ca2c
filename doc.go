// Package fieldsync is an embeddable synchronization engine for field
// data collection applications. It manages long-lived, resumable
// submission sessions for technicians recording environmental
// observations at remote sites, where connectivity is intermittent and
// work must continue offline.
//
// The engine is built around four cooperating parts:
//
//   - SessionManager owns the session state machine: creation, activity
//     heartbeats, completion, cancellation, sharing, and wall-clock
//     expiry.
//   - LocalStore is the durable on-device store (SQLite in production,
//     in-memory for tests). It is the source of truth while offline.
//   - RemoteStore is the capability interface to the backing service.
//     It is authoritative whenever it is reachable.
//   - SyncCoordinator orchestrates the two stores according to the
//     connectivity signal: optimistic local writes, periodic autosave,
//     a durable intent queue drained against the remote, and
//     reconciliation of offline-created records after reconnect.
//
// Entities created offline carry synthetic identifiers until the remote
// assigns canonical ones; reconciliation remaps all foreign keys
// atomically so no orphaned records remain.
//
// Engine wires all of the above from a Config, including the optional
// attachment uploader and session event watcher, for applications that
// do not need custom stores.
package fieldsync
