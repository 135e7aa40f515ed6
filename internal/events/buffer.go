package events

import "sync"

const defaultBufferSize = 1024

type message struct {
	Kind    string
	Subject string
	Data    []byte
}

// buffer is a bounded FIFO of pending messages. When it is full the oldest
// message is evicted to make room.
type buffer struct {
	lock  sync.Mutex
	items []*message
	start int
	size  int
}

func newBuffer(capacity int) *buffer {
	if capacity <= 0 {
		capacity = defaultBufferSize
	}
	return &buffer{items: make([]*message, capacity)}
}

// PushBack appends msg and returns the evicted message, if any.
func (b *buffer) PushBack(msg *message) (evicted *message) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.size == len(b.items) {
		evicted = b.items[b.start]
		b.items[b.start] = nil
		b.start = (b.start + 1) % len(b.items)
		b.size--
	}
	b.items[(b.start+b.size)%len(b.items)] = msg
	b.size++
	return evicted
}

func (b *buffer) Pop() *message {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.size == 0 {
		return nil
	}
	msg := b.items[b.start]
	b.items[b.start] = nil
	b.start = (b.start + 1) % len(b.items)
	b.size--
	return msg
}

func (b *buffer) Size() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.size
}
