// Package storage is the contact store used by the worker.
//
// It keeps:
//   - Contacts and their automation states
//   - Per-contact leases (owner + expiry) guarding mutation
//   - The automation definition database
//
// Drivers: "memory" (process-local) and "sqlite" (shared file, safe across processes).
package storage
