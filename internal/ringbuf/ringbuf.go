// Package ringbuf implements a growable circular FIFO buffer.
//
// Capacity is always a power of two so index wrap is a single mask.
// A Buffer is not safe for concurrent use; owners guard it themselves.
package ringbuf

import (
	"errors"
	"iter"
)

// MaxCapacity is the largest capacity a buffer will grow to.
const MaxCapacity = 1 << 30

var (
	ErrFixedSize       = errors.New("ringbuf: buffer is fixed-size")
	ErrInvalidCapacity = errors.New("ringbuf: capacity must be in [1, 2^30]")
)

type Option func(*options)

type options struct {
	fixed bool
}

// Fixed disables growth. Push on a full fixed buffer returns ErrFixedSize.
func Fixed() Option { return func(o *options) { o.fixed = true } }

type Buffer[T any] struct {
	buf    []T
	mask   int
	head   int
	tail   int
	size   int
	minCap int
	fixed  bool

	// onOverflow is called when a push at MaxCapacity overwrites the head.
	onOverflow func()
}

// New returns a buffer whose capacity is capacity rounded up to a power of two.
func New[T any](capacity int, opts ...Option) (*Buffer[T], error) {
	if capacity < 1 || capacity > MaxCapacity {
		return nil, ErrInvalidCapacity
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	c := roundPow2(capacity)
	return &Buffer[T]{
		buf:    make([]T, c),
		mask:   c - 1,
		minCap: c,
		fixed:  o.fixed,
	}, nil
}

// MustNew is New for constant capacities.
func MustNew[T any](capacity int, opts ...Option) *Buffer[T] {
	b, err := New[T](capacity, opts...)
	if err != nil {
		panic(err)
	}
	return b
}

func roundPow2(n int) int {
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}

// OnOverflow installs a hook fired when Push has to overwrite at MaxCapacity.
func (b *Buffer[T]) OnOverflow(fn func()) { b.onOverflow = fn }

func (b *Buffer[T]) Len() int { return b.size }
func (b *Buffer[T]) Cap() int { return len(b.buf) }

// Push appends v, doubling capacity when full.
func (b *Buffer[T]) Push(v T) error {
	if b.size == len(b.buf) {
		if b.fixed {
			return ErrFixedSize
		}
		newCap := min(len(b.buf)<<1, MaxCapacity)
		if newCap == len(b.buf) {
			if b.onOverflow != nil {
				b.onOverflow()
			}
			b.ForcePush(v)
			return nil
		}
		b.resize(newCap)
	}
	b.buf[b.tail] = v
	b.tail = (b.tail + 1) & b.mask
	b.size++
	return nil
}

// ForcePush appends v, overwriting the oldest element when full.
func (b *Buffer[T]) ForcePush(v T) {
	b.buf[b.tail] = v
	b.tail = (b.tail + 1) & b.mask
	if b.size < len(b.buf) {
		b.size++
		return
	}
	b.head = (b.head + 1) & b.mask
}

// Shift removes and returns the oldest element.
func (b *Buffer[T]) Shift() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	v := b.buf[b.head]
	b.buf[b.head] = zero
	b.head = (b.head + 1) & b.mask
	b.size--
	return v, true
}

func (b *Buffer[T]) PeekHead() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.buf[b.head], true
}

func (b *Buffer[T]) PeekTail() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.buf[(b.tail-1)&b.mask], true
}

// PruneFront drops leading elements while pred holds and reports how many.
func (b *Buffer[T]) PruneFront(pred func(T) bool) int {
	var zero T
	n := 0
	for b.size > 0 && pred(b.buf[b.head]) {
		b.buf[b.head] = zero
		b.head = (b.head + 1) & b.mask
		b.size--
		n++
	}
	return n
}

// RemoveMatching deletes every element for which pred holds.
// Kept elements stay in their original order.
func (b *Buffer[T]) RemoveMatching(pred func(T) bool) int {
	var zero T
	write := 0
	old := b.size
	for read := 0; read < old; read++ {
		v := b.buf[(b.head+read)&b.mask]
		if !pred(v) {
			b.buf[(b.head+write)&b.mask] = v
			write++
		}
	}
	for i := write; i < old; i++ {
		b.buf[(b.head+i)&b.mask] = zero
	}
	b.size = write
	b.tail = (b.head + b.size) & b.mask
	return old - write
}

// Shrink returns an empty buffer to its initial capacity.
// It is a no-op when the buffer holds elements or is already minimal.
func (b *Buffer[T]) Shrink() error {
	if b.fixed {
		return ErrFixedSize
	}
	if b.size != 0 || len(b.buf) == b.minCap {
		return nil
	}
	b.buf = make([]T, b.minCap)
	b.mask = b.minCap - 1
	b.head, b.tail = 0, 0
	return nil
}

// Reset drops all elements and restores the initial capacity.
func (b *Buffer[T]) Reset() {
	b.buf = make([]T, b.minCap)
	b.mask = b.minCap - 1
	b.head, b.tail, b.size = 0, 0, 0
}

func (b *Buffer[T]) resize(newCap int) {
	nb := make([]T, newCap)
	for i := 0; i < b.size; i++ {
		nb[i] = b.buf[(b.head+i)&b.mask]
	}
	b.buf = nb
	b.mask = newCap - 1
	b.head = 0
	b.tail = b.size
}

// All yields elements oldest first.
func (b *Buffer[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; i < b.size; i++ {
			if !yield(b.buf[(b.head+i)&b.mask]) {
				return
			}
		}
	}
}

// Values copies the elements oldest first.
func (b *Buffer[T]) Values() []T {
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.buf[(b.head+i)&b.mask]
	}
	return out
}
