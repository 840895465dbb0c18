// Package lock implements the presence lock manager: a time-bounded claim by
// one viewer session on one record that excludes other sessions from editing
// it. Acquisition is an atomic compare-and-set at the storage layer, expiry is
// checked on every read so stale locks never need sweeping, and lock state
// changes broadcast to the board so every viewer can mark the card busy.
package lock
