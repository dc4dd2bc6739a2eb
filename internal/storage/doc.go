// Package storage persists the two pieces of durable state reposter has:
// the record of every item it has dispatched and the single watermark
// that marks the newest processed item.
//
// Drivers: sqlite (default), file (JSON lines, no dependencies),
// redis and memory.
package storage
