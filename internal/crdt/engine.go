package crdt

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedOperation marks an operation that fails structural
// validation. The engine rejects it without altering any state.
var ErrMalformedOperation = errors.New("malformed operation")

// Engine holds the materialized state of one document. It is not safe
// for concurrent use; the owning session serializes all calls.
type Engine struct {
	// integrated operations, contiguous per client: log[c][i].Seq == i+1
	log map[string][]Operation
	// out-of-order arrivals waiting for a gap to fill, sorted by Seq
	pending map[string][]Operation
}

func NewEngine() *Engine {
	return &Engine{
		log:     make(map[string][]Operation),
		pending: make(map[string][]Operation),
	}
}

// Apply merges one operation into the state. Applying an operation the
// engine already knows is a no-op, and delivery order across clients
// does not affect the resulting state. An operation arriving ahead of a
// gap in its client's sequence is buffered until the gap fills.
func (e *Engine) Apply(op Operation) error {
	if op.Client == "" || op.Seq == 0 || len(op.Payload) == 0 {
		return fmt.Errorf("%w: client=%q seq=%d payload=%d bytes", ErrMalformedOperation, op.Client, op.Seq, len(op.Payload))
	}

	known := uint64(len(e.log[op.Client]))
	switch {
	case op.Seq <= known:
		// already integrated
		return nil
	case op.Seq == known+1:
		e.log[op.Client] = append(e.log[op.Client], op)
		e.drainPending(op.Client)
		return nil
	default:
		e.buffer(op)
		return nil
	}
}

// buffer stores an out-of-order operation, keeping the per-client
// pending list sorted and free of duplicates.
func (e *Engine) buffer(op Operation) {
	queue := e.pending[op.Client]
	i := sort.Search(len(queue), func(i int) bool { return queue[i].Seq >= op.Seq })
	if i < len(queue) && queue[i].Seq == op.Seq {
		return
	}
	queue = append(queue, Operation{})
	copy(queue[i+1:], queue[i:])
	queue[i] = op
	e.pending[op.Client] = queue
}

// drainPending integrates buffered operations for a client that have
// become contiguous with the log.
func (e *Engine) drainPending(client string) {
	queue := e.pending[client]
	for len(queue) > 0 {
		next := uint64(len(e.log[client])) + 1
		if queue[0].Seq > next {
			break
		}
		if queue[0].Seq == next {
			e.log[client] = append(e.log[client], queue[0])
		}
		queue = queue[1:]
	}
	if len(queue) == 0 {
		delete(e.pending, client)
	} else {
		e.pending[client] = queue
	}
}

// StateVector returns the vector of integrated operations. Buffered
// out-of-order operations are not counted until their gap fills.
func (e *Engine) StateVector() StateVector {
	v := make(StateVector, len(e.log))
	for client, ops := range e.log {
		v[client] = uint64(len(ops))
	}
	return v
}

// DiffSince returns the operations a peer at the given vector is
// missing, ordered by client id and then sequence number. The result
// is the minimal set needed to catch the peer up to this engine.
func (e *Engine) DiffSince(remote StateVector) []Operation {
	var out []Operation
	for _, client := range e.StateVector().clients() {
		ops := e.log[client]
		have := remote[client]
		if have >= uint64(len(ops)) {
			continue
		}
		out = append(out, ops[have:]...)
	}
	return out
}

// Len returns the number of integrated operations.
func (e *Engine) Len() int {
	n := 0
	for _, ops := range e.log {
		n += len(ops)
	}
	return n
}
