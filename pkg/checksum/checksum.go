// Package checksum provides the incremental derived-value algorithms folded
// into a node's running checksum on every write. Accumulators are
// order-sensitive: the result depends on the concatenation order of the
// written chunks but not on how the stream was chunked.
package checksum

import "hash/crc32"

// Accumulator folds written chunks into a running derived value.
// Implementations must yield the same Sum for any chunking of the same
// concatenated byte sequence.
type Accumulator interface {
	// Fold incorporates the next chunk of the write stream
	Fold(p []byte)

	// Sum returns the derived value over everything folded so far
	Sum() uint32
}

// crc32Accumulator is the reference accumulator, a running CRC32 (IEEE).
type crc32Accumulator struct {
	crc uint32
}

// NewCRC32 returns an accumulator computing a running CRC32 checksum.
func NewCRC32() Accumulator {
	return &crc32Accumulator{}
}

func (a *crc32Accumulator) Fold(p []byte) {
	a.crc = crc32.Update(a.crc, crc32.IEEETable, p)
}

func (a *crc32Accumulator) Sum() uint32 {
	return a.crc
}
