package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"searchbridge/internal/domain"
	"searchbridge/internal/protocol"
)

// PendingCall is one in-flight request awaiting its response.
type PendingCall struct {
	id     uint64
	method string
	sentAt time.Time
	c      *Client
	ch     chan outcome
}

type outcome struct {
	resp *protocol.Response
	err  error
}

// ID returns the correlation id assigned to this call.
func (p *PendingCall) ID() uint64 {
	return p.id
}

// deliver hands the outcome to the waiter. The channel is buffered so
// delivery never blocks the listener; only the first delivery lands.
func (p *PendingCall) deliver(resp *protocol.Response, err error) {
	select {
	case p.ch <- outcome{resp: resp, err: err}:
	default:
	}
}

// Await blocks until the response arrives, the context expires, or the
// session closes. On expiry the pending entry is removed, so a response
// arriving later is discarded instead of leaking to another caller.
func (p *PendingCall) Await(ctx context.Context) (*protocol.Response, error) {
	select {
	case out := <-p.ch:
		return out.resp, out.err
	case <-ctx.Done():
	}

	p.c.forget(p.id)

	// The outcome may have landed between the deadline firing and the
	// entry being removed; prefer it over reporting a timeout.
	select {
	case out := <-p.ch:
		return out.resp, out.err
	default:
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}
	return nil, domain.NewSubSystemError("session", "PendingCall.Await", domain.ErrTimeout,
		fmt.Sprintf("%s call %d timed out after %s", p.method, p.id, time.Since(p.sentAt).Round(time.Millisecond)))
}
