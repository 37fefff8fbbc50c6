package session

import "sync"

// widget runs terminal calls one at a time, in the order they were made.
// A call made while another is running, including one made from inside a
// terminal or hook callback, is queued and returns at once; the goroutine
// already running calls runs it next. No lock is held while a call runs.
type widget struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queue   []func()
	running bool
}

func newWidget() *widget {
	w := &widget{}
	w.idle = sync.NewCond(&w.mu)
	return w
}

func (w *widget) do(fn func()) {
	w.mu.Lock()
	w.queue = append(w.queue, fn)
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	for len(w.queue) > 0 {
		next := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()
		next()
		w.mu.Lock()
	}
	w.running = false
	w.idle.Broadcast()
	w.mu.Unlock()
}

// flush blocks until every queued call has run. It must not be called from
// inside a widget call.
func (w *widget) flush() {
	w.mu.Lock()
	for w.running {
		w.idle.Wait()
	}
	w.mu.Unlock()
}
