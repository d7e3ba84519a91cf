// Package cache provides a bounded LRU cache for decoded records.
//
// The storage manager keeps recently read nodes here so that hot lookups skip
// the engine read and the codec. Entries are invalidated by the write path.
package cache
