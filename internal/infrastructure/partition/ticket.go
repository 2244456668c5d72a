package partition

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/mutation"
)

// Ticket is the in-process completion signal of a submitted mutation
type Ticket struct {
	MutationID  uuid.UUID
	PartitionID string

	done chan struct{}
	once sync.Once
	res  mutation.Result
	err  error
}

func newTicket(m *mutation.Mutation) *Ticket {
	return &Ticket{
		MutationID:  m.ID,
		PartitionID: m.PartitionKey,
		done:        make(chan struct{}),
	}
}

func (t *Ticket) complete(res mutation.Result, err error) {
	t.once.Do(func() {
		t.res = res
		t.err = err
		close(t.done)
	})
}

// Done is closed once the mutation reached a final outcome in this process
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the mutation completes or ctx ends. A dead-lettered
// mutation yields a *mutation.FailedError.
func (t *Ticket) Wait(ctx context.Context) (mutation.Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return mutation.Result{}, ctx.Err()
	}
}
