package backend

import (
	"errors"
	"testing"
)

func TestNewMemory(t *testing.T) {
	mem := NewMemory(1024)
	if mem.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", mem.Size())
	}
	if len(mem.data) != 1024 {
		t.Errorf("data length = %d, want 1024", len(mem.data))
	}
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	testData := []byte("namespace block")
	n, err := mem.WriteAt(testData, 512)
	if err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 512)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != len(testData) || string(readBuf) != string(testData) {
		t.Errorf("ReadAt got %q (%d bytes), want %q", readBuf[:n], n, testData)
	}

	stats := mem.Stats()
	if stats.Reads != 1 || stats.Writes != 1 {
		t.Errorf("Stats() = %+v, want 1 read and 1 write", stats)
	}
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	buf := make([]byte, 50)
	n, err := mem.ReadAt(buf, 80)
	if err != nil {
		t.Errorf("ReadAt at boundary failed: %v", err)
	}
	if n != 20 {
		t.Errorf("ReadAt at boundary read %d bytes, want 20", n)
	}

	n, err = mem.ReadAt(buf, 100)
	if err != nil || n != 0 {
		t.Errorf("ReadAt past end = %d, %v; want 0, nil", n, err)
	}

	n, err = mem.WriteAt([]byte("test"), 98)
	if !errors.Is(err, ErrOutOfRange) || n != 2 {
		t.Errorf("truncated WriteAt = %d, %v; want 2, ErrOutOfRange", n, err)
	}

	if _, err = mem.WriteAt([]byte("test"), 101); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteAt beyond end error = %v, want ErrOutOfRange", err)
	}
	if _, err = mem.ReadAt(buf, -1); err == nil {
		t.Error("ReadAt with negative offset should fail")
	}
}

func TestMemoryDiscard(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	testData := []byte("Hello, World!")
	mem.WriteAt(testData, 0)

	if err := mem.WriteZeroes(0, 5); err != nil {
		t.Fatalf("WriteZeroes failed: %v", err)
	}
	if err := mem.Discard(90, 50); err != nil {
		t.Fatalf("Discard past end failed: %v", err)
	}

	readBuf := make([]byte, len(testData))
	mem.ReadAt(readBuf, 0)
	for i := 0; i < 5; i++ {
		if readBuf[i] != 0 {
			t.Errorf("Byte %d not zeroed after discard: %d", i, readBuf[i])
		}
	}
	if string(readBuf[5:]) != string(testData[5:]) {
		t.Errorf("Non-discarded data changed: got %q, want %q", readBuf[5:], testData[5:])
	}
	if mem.Stats().Discards != 2 {
		t.Errorf("Discards = %d, want 2", mem.Stats().Discards)
	}
}

func TestMemoryClosed(t *testing.T) {
	mem := NewMemory(64)
	mem.Close()

	if _, err := mem.ReadAt(make([]byte, 8), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadAt after Close error = %v, want ErrClosed", err)
	}
	if _, err := mem.WriteAt(make([]byte, 8), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteAt after Close error = %v, want ErrClosed", err)
	}
}

func BenchmarkMemoryRead(b *testing.B) {
	mem := NewMemory(1 << 20)
	defer mem.Close()

	buf := make([]byte, 4096)
	b.SetBytes(int64(len(buf)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1<<20 - 4096)
		mem.ReadAt(buf, offset)
	}
}

func BenchmarkMemoryWrite(b *testing.B) {
	mem := NewMemory(1 << 20)
	defer mem.Close()

	buf := make([]byte, 4096)
	b.SetBytes(int64(len(buf)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1<<20 - 4096)
		mem.WriteAt(buf, offset)
	}
}
