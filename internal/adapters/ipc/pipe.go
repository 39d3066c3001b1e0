package ipc

import (
	"encoding/json"
)

// pipeBuffer is the number of in-flight encoded envelopes per direction.
const pipeBuffer = 64

// PipeEnd is one side of an in-memory transport. Envelopes are serialized to
// JSON on Post and decoded on the other side, so no memory is shared across
// the boundary.
type PipeEnd struct {
	out      chan<- []byte
	in       <-chan []byte
	handlers Handlers
	closer   *closer
}

// Pipe returns two connected endpoints. Terminating either end closes both.
// stop is run once when the pipe is terminated and may be nil.
func Pipe(stop func() error) (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	c := newCloser(stop)

	a := &PipeEnd{out: ab, in: ba, closer: c}
	b := &PipeEnd{out: ba, in: ab, closer: c}
	go a.readLoop()
	go b.readLoop()
	return a, b
}

// Post encodes env and delivers it to the other end.
func (p *PipeEnd) Post(env Envelope) error {
	if p.closer.closed() {
		return ErrClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closer.done:
		return ErrClosed
	}
}

// On registers a handler for envelopes arriving at this end.
func (p *PipeEnd) On(handler func(Envelope)) {
	p.handlers.Add(handler)
}

// Terminate closes both ends of the pipe.
func (p *PipeEnd) Terminate() error {
	return p.closer.terminate()
}

// Done is closed once the pipe is terminated.
func (p *PipeEnd) Done() <-chan struct{} {
	return p.closer.done
}

func (p *PipeEnd) readLoop() {
	for {
		select {
		case <-p.closer.done:
			return
		case data := <-p.in:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			p.handlers.Dispatch(env)
		}
	}
}

var _ Endpoint = (*PipeEnd)(nil)
