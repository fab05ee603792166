package telemetry

// Ring is a fixed-capacity FIFO that evicts its oldest element on overflow.
// It is not safe for concurrent use.
type Ring[T any] struct {
	buf  []T
	head int
	size int
}

// NewRing creates a ring holding at most capacity elements
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Cap returns the capacity
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Len returns the number of stored elements
func (r *Ring[T]) Len() int {
	return r.size
}

// Push appends v, evicting the oldest element when full
func (r *Ring[T]) Push(v T) {
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

// at returns the i-th element counting from the oldest
func (r *Ring[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Items returns a copy of all elements, oldest first
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.at(i)
	}
	return out
}

// Last returns the newest element
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.at(r.size - 1), true
}

// Reverse calls fn from newest to oldest until fn returns false
func (r *Ring[T]) Reverse(fn func(T) bool) {
	for i := r.size - 1; i >= 0; i-- {
		if !fn(r.at(i)) {
			return
		}
	}
}

// DropWhile removes elements from the oldest end while pred holds and
// returns how many were removed
func (r *Ring[T]) DropWhile(pred func(T) bool) int {
	var zero T
	dropped := 0
	for r.size > 0 && pred(r.buf[r.head]) {
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		dropped++
	}
	return dropped
}
