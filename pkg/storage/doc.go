// Package storage persists fabric state (queued messages, partition
// events, projection snapshots) to a bbolt-backed key-value store.
package storage
