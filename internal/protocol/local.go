package protocol

import (
	"context"
	"sync"
)

// Local is the in-process transport used by page loaders. Every message is
// handled on its own goroutine so a slow call never blocks the sender, and a
// call still pending when the transport closes resolves with ErrClosed.
type Local struct {
	srv *Server
	tab string

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewLocal returns a transport whose messages are stamped with tab.
func NewLocal(srv *Server, tab string) *Local {
	return &Local{srv: srv, tab: tab, closed: make(chan struct{})}
}

func (l *Local) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Fire delivers msg without waiting for it to be handled.
func (l *Local) Fire(ctx context.Context, msg Message) error {
	if l.isClosed() {
		return ErrClosed
	}
	msg.Tab = l.tab

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_, _, _ = l.srv.Dispatch(context.WithoutCancel(ctx), msg)
	}()
	return nil
}

// Call delivers msg and waits for its single reply.
func (l *Local) Call(ctx context.Context, msg Message) (Reply, error) {
	if l.isClosed() {
		return Reply{}, ErrClosed
	}
	msg.Tab = l.tab

	ch := make(chan Reply, 1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		reply, ok, err := l.srv.Dispatch(context.WithoutCancel(ctx), msg)
		if err != nil || !ok {
			close(ch)
			return
		}
		ch <- reply
	}()

	select {
	case reply, ok := <-ch:
		if !ok {
			return Reply{}, ErrUnknownKind
		}
		return reply, nil
	case <-l.closed:
		return Reply{}, ErrClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Close fails pending calls with ErrClosed. In-flight handlers run to
// completion; their replies are discarded.
func (l *Local) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// Wait blocks until every dispatched message has been handled.
func (l *Local) Wait() {
	l.wg.Wait()
}
