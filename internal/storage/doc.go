// Package storage is the persistence port behind quota and schedule state.
//
// It stores two row kinds:
//   - Subscription, keyed by subscriber ID, written with compare-and-swap on Version
//   - Schedule, keyed by document ID, replaced atomically or compare-and-swapped
//
// Backends: memory, file (snapshot + journal), sqlite, postgres.
package storage
