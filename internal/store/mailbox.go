package store

// Mailbox is an unbounded queue of change events. Stores post without
// blocking while holding no locks; the subscription engine consumes at its
// own pace. The pump goroutine exits when Close is called and the buffer
// drains.
type Mailbox struct {
	in  chan ChangeEvent
	out chan ChangeEvent
}

// NewMailbox starts the pump.
func NewMailbox() *Mailbox {
	m := &Mailbox{
		in:  make(chan ChangeEvent, 64),
		out: make(chan ChangeEvent),
	}
	go m.pump()
	return m
}

// Post enqueues an event. It only blocks momentarily while the pump moves
// the inbound burst into its buffer.
func (m *Mailbox) Post(ev ChangeEvent) {
	m.in <- ev
}

// Events is the consumer side. It is closed after Close once the buffer is
// drained.
func (m *Mailbox) Events() <-chan ChangeEvent {
	return m.out
}

// Close stops accepting events. Posting after Close panics, matching
// channel semantics.
func (m *Mailbox) Close() {
	close(m.in)
}

func (m *Mailbox) pump() {
	defer close(m.out)
	var buf []ChangeEvent
	for {
		if len(buf) == 0 {
			ev, ok := <-m.in
			if !ok {
				return
			}
			buf = append(buf, ev)
			continue
		}
		select {
		case ev, ok := <-m.in:
			if !ok {
				// Drain the buffer before closing out.
				for _, pending := range buf {
					m.out <- pending
				}
				return
			}
			buf = append(buf, ev)
		case m.out <- buf[0]:
			buf = buf[1:]
		}
	}
}
