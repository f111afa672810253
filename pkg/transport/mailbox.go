package transport

import "sync"

// mailbox runs queued jobs one at a time in arrival order on its own goroutine.
// The queue is unbounded so a listener that publishes to itself can never
// block the dispatch loop.
type mailbox struct {
	mut    sync.Mutex
	jobs   []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *mailbox) push(job func()) bool {
	m.mut.Lock()
	if m.closed {
		m.mut.Unlock()
		return false
	}
	m.jobs = append(m.jobs, job)
	m.mut.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) loop() {
	defer close(m.done)
	for {
		m.mut.Lock()
		if len(m.jobs) == 0 {
			if m.closed {
				m.mut.Unlock()
				return
			}
			m.mut.Unlock()
			<-m.signal
			continue
		}
		job := m.jobs[0]
		m.jobs[0] = nil
		m.jobs = m.jobs[1:]
		m.mut.Unlock()

		job()
	}
}

// close stops accepting jobs; queued jobs still drain.
func (m *mailbox) close() {
	m.mut.Lock()
	m.closed = true
	m.mut.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}
