package interfaces

// Backend is the namespace storage behind an emulated controller. Offsets
// and lengths are in bytes; the device converts LBAs before calling in.
type Backend interface {
	// ReadAt follows io.ReaderAt. A short read past the end of the
	// namespace is not an error; the device bounds-checks LBAs first.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt follows io.WriterAt. Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the namespace capacity in bytes.
	Size() int64

	Close() error

	// Flush is called for the FLUSH I/O command.
	Flush() error
}

// DiscardBackend services dataset management ranges carrying the
// deallocate attribute.
type DiscardBackend interface {
	Backend
	Discard(offset, length int64) error
}

// WriteZeroesBackend services WRITE ZEROES without a zero-filled buffer.
type WriteZeroesBackend interface {
	Backend
	WriteZeroes(offset, length int64) error
}
