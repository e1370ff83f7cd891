// Package mock provides a test double for the director.Director interface.
//
// Replies are consumed in call order from Replies; once exhausted every call
// returns NextResponse, NextErr. If Block is set, calls wait for ctx to be
// cancelled and return its error.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/storyloom/internal/director"
)

// Compile-time interface assertion.
var _ director.Director = (*Director)(nil)

// Reply scripts one NextTurn outcome.
type Reply struct {
	Response director.Response
	Err      error
}

// Director is a mock implementation of director.Director.
type Director struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Replies scripts NextTurn outcomes in call order.
	Replies []Reply

	// NextResponse is returned once Replies is exhausted.
	NextResponse director.Response

	// NextErr, if non-nil, is returned once Replies is exhausted.
	NextErr error

	// Block makes every call wait for ctx to be done.
	Block bool

	// --- Call records ---

	// Requests records every request in call order.
	Requests []director.Request
}

// NextTurn implements director.Director.
func (d *Director) NextTurn(ctx context.Context, req director.Request) (director.Response, error) {
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	block := d.Block
	var r Reply
	if len(d.Replies) > 0 {
		r = d.Replies[0]
		d.Replies = d.Replies[1:]
	} else {
		r = Reply{Response: d.NextResponse, Err: d.NextErr}
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return director.Response{}, ctx.Err()
	}
	return r.Response, r.Err
}

// Calls returns a copy of the recorded requests.
func (d *Director) Calls() []director.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]director.Request(nil), d.Requests...)
}
