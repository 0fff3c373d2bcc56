package engine

// fifoMutex is a single-slot channel mutex: every Lock blocks on a buffered
// channel that Unlock refills, so waiters are released in arrival order.
// It serializes Set/Pull per engine instance per the single-threaded
// cooperative concurrency model.
type fifoMutex struct {
	ch chan struct{}
}

func newFifoMutex() *fifoMutex {
	m := &fifoMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

func (m *fifoMutex) Lock() {
	<-m.ch
}

func (m *fifoMutex) Unlock() {
	m.ch <- struct{}{}
}
