package memtable

import "bytes"

// Item is a stored key/value pair. Version counts the writes applied to the
// key and is identical on every replica.
type Item struct {
	Key     []byte
	Value   []byte
	Version uint64
}

func (it *Item) Less(than *Item) bool {
	return bytes.Compare(it.Key, than.Key) < 0
}

func (it *Item) size() int64 {
	const versionSize = 8
	return int64(len(it.Key) + len(it.Value) + versionSize)
}
