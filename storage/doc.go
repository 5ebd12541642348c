package storage

// storage contains the KeyValue interface for working with a persistent key/
// value store, an implementation for BadgerDB and a no-op one, and the send
// Journal built on top of them. KeyValue deals only in opaque binary data;
// the Journal is what knows that the values are send records.
