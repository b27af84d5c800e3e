// Package storage persists finished command and task records so operators
// can inspect history across restarts. Backends are selected by config:
// a dependency-free JSONL file store, or SQLite behind the "sqlite" build
// tag.
package storage
