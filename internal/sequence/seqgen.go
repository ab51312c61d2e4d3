package sequence

import (
	"math"
	"sync"
)

// SeqGen hands out outgoing sequence numbers for one sender. It is shared
// between goroutines, so all operations are locked.
type SeqGen struct {
	mu   sync.Mutex
	next uint32
	done bool
}

// NewSeqGen creates a generator whose first Next() returns first.
func NewSeqGen(first uint32) *SeqGen {
	return &SeqGen{next: first}
}

// Next returns the next sequence number. Running past MaxUint32 is a
// precondition violation and panics rather than silently wrapping.
func (s *SeqGen) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		panic("sequence: outgoing sequence numbers exhausted")
	}
	n := s.next
	if n == math.MaxUint32 {
		s.done = true
	} else {
		s.next++
	}
	return n
}

// Peek returns the number the next call to Next will return.
func (s *SeqGen) Peek() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
