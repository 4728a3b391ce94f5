package board

import "context"

// Mutation tracks the server side of an optimistic change. The local board is
// already updated when the Mutation is handed out; it settles once the server
// confirms the change or the change has been rolled back.
type Mutation struct {
	done chan struct{}
	err  error
	noop bool
}

func newMutation() *Mutation {
	return &Mutation{done: make(chan struct{})}
}

// settled returns a Mutation for a change that needed no server call.
func settled() *Mutation {
	m := &Mutation{done: make(chan struct{}), noop: true}
	close(m.done)
	return m
}

func (m *Mutation) resolve(err error) {
	m.err = err
	close(m.done)
}

// Done is closed when the mutation settles.
func (m *Mutation) Done() <-chan struct{} { return m.done }

// Err returns the persistence error once settled, nil before.
func (m *Mutation) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Noop reports whether the operation had nothing to do.
func (m *Mutation) Noop() bool { return m.noop }

// Wait blocks until the mutation settles or ctx is done.
func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
