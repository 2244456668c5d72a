package partition

import (
	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/mutation"
)

type task struct {
	m      *mutation.Mutation
	ticket *Ticket
	// cancelling holds the lane while a cancellation is being persisted
	cancelling bool
}

// lane executes its queue one task at a time in FIFO order. Fields are
// guarded by the owning Dispatcher's mutex.
type lane struct {
	key     string
	label   string
	hashed  bool
	queue   []*task
	current *task
	wake    chan struct{}
}

func newLane(key, label string, hashed bool) *lane {
	return &lane{
		key:    key,
		label:  label,
		hashed: hashed,
		wake:   make(chan struct{}, 1),
	}
}

// signal wakes the lane goroutine without blocking
func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) indexOf(id uuid.UUID) int {
	for i, t := range l.queue {
		if t.m.ID == id {
			return i
		}
	}
	return -1
}

func (l *lane) remove(id uuid.UUID) *task {
	i := l.indexOf(id)
	if i < 0 {
		return nil
	}
	t := l.queue[i]
	l.queue = append(l.queue[:i], l.queue[i+1:]...)
	return t
}

func (l *lane) pop() *task {
	t := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return t
}
