// Package dbformat holds the value kinds and sequence number types shared by
// the memtable, WAL, and table formats.
package dbformat

// SequenceNumber orders every write in the database.
type SequenceNumber = uint64

// MaxSequenceNumber is the highest representable sequence number. Reads with
// no snapshot use it to see the newest version of every key.
const MaxSequenceNumber SequenceNumber = 1<<56 - 1

// ValueKind tags an entry in the memtable, WAL, and table files.
// These values appear on disk and must not change.
type ValueKind uint8

const (
	// KindDeletion marks a tombstone.
	KindDeletion ValueKind = 0x0

	// KindValue marks a plain value stored inline.
	KindValue ValueKind = 0x1

	// KindBlobIndex marks a value stored in a blob file; the entry payload
	// is a blob reference, not the value itself.
	KindBlobIndex ValueKind = 0x2
)

// String returns the name of the value kind.
func (k ValueKind) String() string {
	switch k {
	case KindDeletion:
		return "Deletion"
	case KindValue:
		return "Value"
	case KindBlobIndex:
		return "BlobIndex"
	default:
		return "Unknown"
	}
}
