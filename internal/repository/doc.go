// Package repository defines the persistence interfaces for devicehub.
//
// The only persisted data is the lifecycle event journal: every event the
// lifecycle manager records in its in-memory ring is also appended here so
// the history survives restarts and is not limited to the ring capacity.
// The implementation lives in the sqlite subpackage.
//
// # Retention
//
// The journal grows without bound unless Prune is called. The serve
// command prunes entries older than the configured retention once per
// hour.
package repository
