//go:build cgo_sqlite

package store

import _ "github.com/mattn/go-sqlite3" // CGO SQLite driver

const driverName = "sqlite3"
