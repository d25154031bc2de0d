package memtable

import "bytes"

// Sorted returns every item in key order.
func (mt *Memtable) Sorted() []Item {
	result := make([]Item, 0, mt.underlying.Len())
	mt.underlying.Range(func(key []byte, value Item) bool {
		result = append(result, value)
		return true
	})

	return result
}

func (mt *Memtable) scan(prefix []byte, limit int) []Item {
	var result []Item
	mt.underlying.Range(func(key []byte, value Item) bool {
		c := bytes.Compare(key, prefix)
		if c < 0 {
			return true
		}
		if !bytes.HasPrefix(key, prefix) {
			// keys are ordered: nothing after this one matches
			return false
		}
		result = append(result, value)
		return limit <= 0 || len(result) < limit
	})

	return result
}
