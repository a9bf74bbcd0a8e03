// Package storage keeps the job run history.
//
// It currently supports:
//   - a JSON Lines file with a bounded in-memory tail
//   - SQLite (build tag sqlite)
package storage
