package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxLineSize bounds a single encoded envelope on a stream transport.
const maxLineSize = 16 << 20

// ErrMalformed marks a line that could not be decoded as an envelope.
var ErrMalformed = errors.New("malformed envelope")

// Encoder writes envelopes as JSON lines. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one envelope followed by a newline.
func (e *Encoder) Encode(env Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(env); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

// Decoder reads JSON-lines envelopes.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{sc: sc}
}

// Decode returns the next envelope. Blank lines are skipped. A line that is
// not a JSON object yields an error wrapping ErrMalformed and the stream
// remains usable. io.EOF is returned when the stream ends.
func (d *Decoder) Decode() (Envelope, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return env, nil
	}
	if err := d.sc.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}

// StreamWorker carries envelopes over a reader/writer pair, such as the
// standard streams of a child process.
type StreamWorker struct {
	enc      *Encoder
	dec      *Decoder
	handlers Handlers
	closer   *closer

	readErrMu sync.Mutex
	readErr   error
}

// NewStreamWorker starts reading envelopes from r and returns a worker that
// writes to w. stop is called once on Terminate and may be nil.
func NewStreamWorker(r io.Reader, w io.Writer, stop func() error) *StreamWorker {
	sw := &StreamWorker{
		enc:    NewEncoder(w),
		dec:    NewDecoder(r),
		closer: newCloser(stop),
	}
	go sw.readLoop()
	return sw
}

// Post writes env to the stream.
func (s *StreamWorker) Post(env Envelope) error {
	if s.closer.closed() {
		return ErrClosed
	}
	return s.enc.Encode(env)
}

// On registers a handler for inbound envelopes.
func (s *StreamWorker) On(handler func(Envelope)) {
	s.handlers.Add(handler)
}

// Terminate stops the worker. Only the first call runs the stop function.
func (s *StreamWorker) Terminate() error {
	return s.closer.terminate()
}

// Done is closed when the inbound stream ends or the worker is terminated.
func (s *StreamWorker) Done() <-chan struct{} {
	return s.closer.done
}

// ReadErr returns the error that ended the read loop, if any.
func (s *StreamWorker) ReadErr() error {
	s.readErrMu.Lock()
	defer s.readErrMu.Unlock()
	return s.readErr
}

func (s *StreamWorker) readLoop() {
	defer s.closer.markDone()

	for {
		env, err := s.dec.Decode()
		if errors.Is(err, ErrMalformed) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.readErrMu.Lock()
				s.readErr = err
				s.readErrMu.Unlock()
			}
			return
		}
		if s.closer.closed() {
			return
		}
		s.handlers.Dispatch(env)
	}
}

var _ Endpoint = (*StreamWorker)(nil)
