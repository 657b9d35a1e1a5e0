package message

import "sync"

// Allocator is the pluggable malloc/free pair honored by the message
// store. The core never calls the platform allocator directly; it
// always goes through this collaborator, installed once at process
// initialization.
type Allocator struct {
	Malloc func(size int) []byte
	Free   func(buf []byte)
}

// DefaultAllocator backs buffers with plain Go slices; Free is a
// no-op since the garbage collector reclaims them once the store
// drops its last reference.
var DefaultAllocator = Allocator{
	Malloc: func(size int) []byte { return make([]byte, size) },
	Free:   func(buf []byte) {},
}

// sizeClasses are the buffer sizes the store pools, each a
// next-power-of-two fit for typical message payloads.
var sizeClasses = []int{64, 256, 1024, 4096, 16384}

func classFor(n int) int {
	for _, c := range sizeClasses {
		if n <= c {
			return c
		}
	}
	return n
}

// Store is the message store: a free list per size class, plus a
// single hidden in-progress builder slot. It is not safe for
// concurrent use — it is owned exclusively by the goroutine driving
// the process's poll loop.
type Store struct {
	alloc     Allocator
	freeLists map[int][][]byte
	building  bool
	mu        sync.Mutex // guards only the re-entrancy flag, not a concurrency primitive for callers
}

// NewStore creates a message store using the given allocator. Passing
// the zero Allocator is equivalent to DefaultAllocator.
func NewStore(alloc Allocator) *Store {
	if alloc.Malloc == nil {
		alloc = DefaultAllocator
	}
	return &Store{
		alloc:     alloc,
		freeLists: make(map[int][][]byte),
	}
}

// acquire returns a buffer of at least n bytes, reusing a pooled
// buffer of the matching size class when one is available.
func (s *Store) acquire(n int) []byte {
	class := classFor(n)
	if free := s.freeLists[class]; len(free) > 0 {
		buf := free[len(free)-1]
		s.freeLists[class] = free[:len(free)-1]
		return buf[:0]
	}
	return s.alloc.Malloc(class)[:0]
}

// Recycle returns a message's backing buffer to its size-class free
// list so a subsequent build or resend can reuse it without a fresh
// allocation.
func (s *Store) Recycle(m *Message) {
	if m == nil || m.buf == nil {
		return
	}
	class := classFor(m.allocated)
	s.freeLists[class] = append(s.freeLists[class], m.buf)
	m.buf = nil
	m.allocated = 0
	m.length = 0
}

// Destroy releases all pooled buffers back to the allocator's Free
// hook. Called once, from process teardown.
func (s *Store) Destroy() {
	for _, list := range s.freeLists {
		for _, buf := range list {
			s.alloc.Free(buf)
		}
	}
	s.freeLists = make(map[int][][]byte)
}

// Start begins a new streaming build. It fails with ErrBuilderBusy if
// a build is already in progress; the builder is not reentrant.
func (s *Store) Start() (*Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.building {
		return nil, ErrBuilderBusy
	}
	s.building = true
	return newBuilder(s), nil
}

func (s *Store) release() {
	s.mu.Lock()
	s.building = false
	s.mu.Unlock()
}
