// Package monitor implements the snapshot analyzers: vault health, oracle
// deviation, and liquidation pattern detection. Each monitor is fed
// observations by the polling or streaming path and returns security events;
// monitors never perform I/O themselves.
package monitor

// window is a bounded append-only view over recent observations. Appending
// past capacity evicts the oldest entry.
type window[T any] struct {
	max   int
	items []T
}

func newWindow[T any](max int) *window[T] {
	if max <= 0 {
		max = 1000
	}
	return &window[T]{max: max}
}

func (w *window[T]) append(v T) {
	w.items = append(w.items, v)
	if len(w.items) > w.max {
		copy(w.items, w.items[len(w.items)-w.max:])
		w.items = w.items[:w.max]
	}
}

// last returns the most recent item, if any.
func (w *window[T]) last() (T, bool) {
	if len(w.items) == 0 {
		var zero T
		return zero, false
	}
	return w.items[len(w.items)-1], true
}

// tail returns the most recent n items, fewer when the window holds fewer.
func (w *window[T]) tail(n int) []T {
	if n > len(w.items) {
		n = len(w.items)
	}
	return w.items[len(w.items)-n:]
}

func (w *window[T]) len() int { return len(w.items) }
