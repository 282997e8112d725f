// Package ring provides a lock-free single-producer/single-consumer ring
// buffer of 16-bit PCM samples.
//
// One goroutine (or hardware callback) may write while exactly one other
// reads. Positions are monotonically increasing uint64 counters masked into a
// power-of-two backing slice, so neither side ever takes a lock or allocates.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrCapacity is returned by New when the capacity is not a power of two.
var ErrCapacity = errors.New("ring: capacity must be a power of two >= 2")

// RingBuffer is a fixed-capacity SPSC circular buffer of int16 samples.
//
// Writer side: Write, WriteRegions, AdvanceWrite, AvailableToWrite.
// Reader side: Read, ReadRegions, AdvanceRead, Discard, AvailableToRead.
type RingBuffer struct {
	// producer and consumer counters live on separate cache lines
	writePos atomic.Uint64
	_        [56]byte
	readPos  atomic.Uint64
	_        [56]byte

	buf  []int16
	mask uint64
}

// New allocates a ring buffer holding capacity samples.
func New(capacity int) (*RingBuffer, error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacity, capacity)
	}
	return &RingBuffer{
		buf:  make([]int16, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// Capacity returns the total number of samples the buffer can hold.
func (rb *RingBuffer) Capacity() int {
	return len(rb.buf)
}

// AvailableToRead returns the number of samples ready for the reader.
func (rb *RingBuffer) AvailableToRead() int {
	return int(rb.writePos.Load() - rb.readPos.Load())
}

// AvailableToWrite returns the free space in samples.
func (rb *RingBuffer) AvailableToWrite() int {
	return len(rb.buf) - int(rb.writePos.Load()-rb.readPos.Load())
}

// Write copies up to len(p) samples into the buffer and returns how many
// were accepted. Samples that do not fit are dropped.
func (rb *RingBuffer) Write(p []int16) int {
	first, second := rb.WriteRegions(len(p))
	n := copy(first, p)
	n += copy(second, p[n:])
	rb.AdvanceWrite(n)
	return n
}

// Read copies up to len(p) samples out of the buffer and returns how many
// were read.
func (rb *RingBuffer) Read(p []int16) int {
	first, second := rb.ReadRegions(len(p))
	n := copy(p, first)
	n += copy(p[n:], second)
	rb.AdvanceRead(n)
	return n
}

// WriteRegions exposes up to n free samples as at most two slices of the
// backing storage. The second slice is non-empty only when the free space
// wraps around the end. Commit with AdvanceWrite.
func (rb *RingBuffer) WriteRegions(n int) (first, second []int16) {
	w := rb.writePos.Load()
	r := rb.readPos.Load()
	free := uint64(len(rb.buf)) - (w - r)
	return rb.regions(w, min(uint64(max(n, 0)), free))
}

// AdvanceWrite publishes n samples previously filled through WriteRegions.
func (rb *RingBuffer) AdvanceWrite(n int) {
	if n <= 0 {
		return
	}
	rb.writePos.Add(uint64(n))
}

// ReadRegions exposes up to n readable samples as at most two slices.
// Release them with AdvanceRead.
func (rb *RingBuffer) ReadRegions(n int) (first, second []int16) {
	r := rb.readPos.Load()
	w := rb.writePos.Load()
	return rb.regions(r, min(uint64(max(n, 0)), w-r))
}

// AdvanceRead releases n samples previously obtained through ReadRegions.
func (rb *RingBuffer) AdvanceRead(n int) {
	if n <= 0 {
		return
	}
	rb.readPos.Add(uint64(n))
}

// Discard drops up to n readable samples and returns how many were dropped.
func (rb *RingBuffer) Discard(n int) int {
	n = min(n, rb.AvailableToRead())
	rb.AdvanceRead(n)
	return max(n, 0)
}

func (rb *RingBuffer) regions(pos, n uint64) (first, second []int16) {
	if n == 0 {
		return nil, nil
	}
	start := pos & rb.mask
	tail := uint64(len(rb.buf)) - start
	if tail >= n {
		return rb.buf[start : start+n], nil
	}
	return rb.buf[start:], rb.buf[:n-tail]
}
