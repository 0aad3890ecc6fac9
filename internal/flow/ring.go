package flow

// ring is a fixed-capacity FIFO that evicts the oldest element on overflow.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) Push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) Len() int { return r.size }

func (r *ring[T]) Cap() int { return len(r.buf) }

// Last returns the newest element.
func (r *ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// Items returns the elements oldest first.
func (r *ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Resize returns a ring with the new capacity holding the newest elements.
func (r *ring[T]) Resize(capacity int) *ring[T] {
	next := newRing[T](capacity)
	items := r.Items()
	if len(items) > next.Cap() {
		items = items[len(items)-next.Cap():]
	}
	for _, v := range items {
		next.Push(v)
	}
	return next
}
