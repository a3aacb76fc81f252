package export

import "sync"

// Backend is the minimal byte-addressable storage surface a non-file
// export can implement; used by the stub SCR and by tests that don't want
// to touch a real file descriptor.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Close() error
	Flush() error
}

// shardSize is the lock granularity for Memory: large enough to keep lock
// overhead low relative to 4096-byte NBD slices, small enough that two
// non-overlapping in-flight slices rarely contend.
const shardSize = 64 * 1024

// Memory is a RAM-backed export used by tests and the fake ring
// (internal/scr.FakeRing). Sharded RWMutexes let concurrent non-overlapping slices
// (the common case once the Receiver's overlap/drain-barrier logic has run)
// proceed without a single global lock.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory allocates a zero-filled in-memory export of the given size.
func NewMemory(size int64) *Memory {
	numShards := (size + shardSize - 1) / shardSize
	if numShards == 0 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt implements Backend.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt implements Backend.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// Size implements Backend.
func (m *Memory) Size() int64 { return m.size }

// Close implements Backend.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Flush implements Backend. Memory has nothing to flush.
func (m *Memory) Flush() error { return nil }

var _ Backend = (*Memory)(nil)
