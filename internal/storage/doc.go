// Package storage is the delivery audit log: one record per finished
// delivery. Jobs themselves are never persisted.
//
// The "file" driver appends JSON lines; "sqlite" uses modernc.org/sqlite.
package storage
