package kfmt

import "io"

// earlyBufferSize is the capacity of the buffer that holds log output
// produced before the first sink is attached. It must be a power of 2.
const earlyBufferSize = 2048

// ringBuffer holds the most recent earlyBufferSize bytes written to it. Once
// full, each write overwrites the oldest bytes and the number of overwritten
// bytes is tracked so that the loss can be reported when the buffer is
// drained.
type ringBuffer struct {
	buffer [earlyBufferSize]byte

	// start is the index of the oldest unread byte and count the number of
	// unread bytes.
	start, count int

	// lost counts the bytes that were overwritten before being read.
	lost uint64
}

// Write appends p to the buffer. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(earlyBufferSize-1)] = b
		if rb.count == earlyBufferSize {
			rb.start = (rb.start + 1) & (earlyBufferSize - 1)
			rb.lost++
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read drains up to len(p) unread bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	// Copy the contiguous part that starts at rb.start; a wrapped tail is
	// returned by the next call.
	n := rb.count
	if tail := earlyBufferSize - rb.start; n > tail {
		n = tail
	}
	if n > len(p) {
		n = len(p)
	}

	copy(p, rb.buffer[rb.start:rb.start+n])
	rb.start = (rb.start + n) & (earlyBufferSize - 1)
	rb.count -= n
	return n, nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int { return rb.count }

// Lost returns the number of bytes that were overwritten before being read.
func (rb *ringBuffer) Lost() uint64 { return rb.lost }

// Reset discards the buffer contents and clears the lost byte counter.
func (rb *ringBuffer) Reset() {
	rb.start, rb.count, rb.lost = 0, 0, 0
}
