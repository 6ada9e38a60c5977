//go:build !cgo_sqlite

package store

import _ "modernc.org/sqlite" // pure Go SQLite driver

// driverName is the database/sql driver backing the ledger and job store.
const driverName = "sqlite"
