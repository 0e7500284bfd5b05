package eventstore

import "encoding/binary"

var (
	keyMeta        = []byte("msg/m")
	keyEntryPrefix = []byte("msg/e/")
)

// keyEntry returns msg/e/{id_be8}. Big-endian ids keep Pebble's byte order equal to id order.
func keyEntry(id uint64) []byte {
	k := make([]byte, len(keyEntryPrefix)+8)
	copy(k, keyEntryPrefix)
	binary.BigEndian.PutUint64(k[len(keyEntryPrefix):], id)
	return k
}

func idFromKey(k []byte) (uint64, bool) {
	if len(k) != len(keyEntryPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k[len(keyEntryPrefix):]), true
}

// entryUpperBound is the first key after every msg/e/ entry.
func entryUpperBound() []byte {
	ub := append([]byte(nil), keyEntryPrefix...)
	ub[len(ub)-1]++
	return ub
}
