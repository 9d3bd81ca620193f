package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by a Conn once either side has torn the channel down.
var ErrClosed = errors.New("bus: connection closed")

// Conn is the native cross-context channel. Send may be called concurrently;
// Receive is called from a single read loop.
type Conn interface {
	Send(env Envelope) error
	Receive() (Envelope, error)
	Close() error
}

// Pipe returns two connected in-memory Conns. Frames are JSON-encoded on the
// way through so nothing but serializable data crosses the boundary.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &pipeConn{in: ba, out: ab, done: aDone, peerDone: bDone}
	b := &pipeConn{in: ab, out: ba, done: bDone, peerDone: aDone}
	return a, b
}

type pipeConn struct {
	in       <-chan []byte
	out      chan<- []byte
	done     chan struct{}
	peerDone <-chan struct{}

	closeOnce sync.Once
}

func (p *pipeConn) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	}
}

func (p *pipeConn) Receive() (Envelope, error) {
	select {
	case data := <-p.in:
		return decodeFrame(data)
	default:
	}
	select {
	case data := <-p.in:
		return decodeFrame(data)
	case <-p.done:
		return Envelope{}, ErrClosed
	case <-p.peerDone:
		// Frames written before the peer closed are still delivered.
		select {
		case data := <-p.in:
			return decodeFrame(data)
		default:
			return Envelope{}, ErrClosed
		}
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

func decodeFrame(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}
