package quality

// Window is a fixed-capacity rolling window; the oldest sample is dropped
// when a new one arrives at capacity.
type Window[T any] struct {
	entries  []T
	head     int
	capacity int
}

func NewWindow[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{entries: make([]T, 0, capacity), capacity: capacity}
}

func (w *Window[T]) Push(v T) {
	if len(w.entries) < w.capacity {
		w.entries = append(w.entries, v)
		return
	}
	w.entries[w.head] = v
	w.head = (w.head + 1) % w.capacity
}

// Values returns the samples oldest first.
func (w *Window[T]) Values() []T {
	out := make([]T, 0, len(w.entries))
	out = append(out, w.entries[w.head:]...)
	return append(out, w.entries[:w.head]...)
}

// Last returns the newest n samples, oldest first.
func (w *Window[T]) Last(n int) []T {
	vals := w.Values()
	if n >= len(vals) {
		return vals
	}
	return vals[len(vals)-n:]
}

func (w *Window[T]) Len() int { return len(w.entries) }

func (w *Window[T]) Reset() {
	w.entries = w.entries[:0]
	w.head = 0
}
