// Package logging configures structured JSON logging for amansync.
// Logs go to a size-rotated file under ~/.amansync/logs/ and, optionally,
// to stderr. Records logged with a context carry the run and job ids
// attached by WithRunID and WithJobID.
package logging
