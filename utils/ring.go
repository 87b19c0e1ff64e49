package utils

// Ring is a fixed-capacity circular buffer. Pushing onto a full ring overwrites
// the oldest element. It is not synchronized: owners guard it with their own lock.
type Ring[T any] struct {
	data     []T
	capacity int
	head     int // oldest element
	tail     int // next write position
	size     int
}

// NewRing creates a ring holding at most n elements.
func NewRing[T any](n int) *Ring[T] {
	if n < 1 {
		n = 1
	}
	return &Ring[T]{
		data:     make([]T, n),
		capacity: n,
	}
}

// Push appends v and returns the evicted element, if any.
func (q *Ring[T]) Push(v T) (evicted T, wasFull bool) {
	if q.IsFull() {
		evicted = q.data[q.head]
		wasFull = true
		q.head = (q.head + 1) % q.capacity
		q.size--
	}

	q.data[q.tail] = v
	q.tail = (q.tail + 1) % q.capacity
	q.size++
	return evicted, wasFull
}

// Newest returns the i-th most recent element (0 = newest).
func (q *Ring[T]) Newest(i int) (T, bool) {
	var zero T
	if i < 0 || i >= q.size {
		return zero, false
	}
	idx := (q.tail - 1 - i + q.capacity) % q.capacity
	return q.data[idx], true
}

// NewestFirst copies up to n elements starting from the most recent one.
// n < 0 returns every element.
func (q *Ring[T]) NewestFirst(n int) []T {
	if n < 0 || n > q.size {
		n = q.size
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v, _ := q.Newest(i)
		out = append(out, v)
	}
	return out
}

// Each visits elements newest-first until fn returns false.
func (q *Ring[T]) Each(fn func(T) bool) {
	for i := 0; i < q.size; i++ {
		v, _ := q.Newest(i)
		if !fn(v) {
			return
		}
	}
}

func (q *Ring[T]) Len() int {
	return q.size
}

func (q *Ring[T]) Cap() int {
	return q.capacity
}

func (q *Ring[T]) IsEmpty() bool {
	return q.size == 0
}

func (q *Ring[T]) IsFull() bool {
	return q.size == q.capacity
}
