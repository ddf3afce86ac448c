package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"searchbridge/internal/domain"
)

// maxFrameSize bounds a single frame. A host emitting larger lines is out of
// contract and fails the stream.
const maxFrameSize = 10 * 1024 * 1024

const initialScanBuffer = 64 * 1024

// Encoder writes messages to a stream, one JSON object per line. It is safe
// for concurrent use: a mutex serializes writes so frames from concurrent
// senders are never interleaved.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing newline-delimited frames to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals msg and writes it as a single frame.
func (e *Encoder) Encode(msg Message) error {
	wire, err := toWire(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return domain.NewDomainError("Encoder.Encode", domain.ErrProtocol, err.Error())
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return domain.WrapOp("Encoder.Encode", err)
	}
	return nil
}

func toWire(msg Message) (*wireMessage, error) {
	switch m := msg.(type) {
	case *Request:
		id := m.ID
		return &wireMessage{JSONRPC: Version, ID: &id, Method: m.Method, Params: m.Params}, nil
	case *Response:
		id := m.ID
		return &wireMessage{JSONRPC: Version, ID: &id, Result: m.Result, Error: m.Error}, nil
	case *Notification:
		return &wireMessage{JSONRPC: Version, Method: m.Method, Params: m.Params}, nil
	default:
		return nil, domain.NewDomainError("Encoder.Encode", domain.ErrInvalidInput, "unknown message variant")
	}
}

// Decoder splits a stream into frames and classifies each one.
//
// Error policy: an error wrapping domain.ErrProtocol marks a single bad frame;
// the decoder stays positioned at the next line and Decode may be called
// again (resynchronization). Any other error (io.EOF, an oversized frame,
// a read failure) is terminal for the stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading newline-delimited frames from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, initialScanBuffer), maxFrameSize)
	return &Decoder{scanner: sc}
}

// Decode returns the next message. Blank lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					return nil, domain.NewSubSystemError("protocol", "Decoder.Decode",
						domain.ErrLimitReached, "frame exceeds maximum size")
				}
				return nil, domain.WrapOp("Decoder.Decode", err)
			}
			return nil, io.EOF
		}

		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var wire wireMessage
		if err := json.Unmarshal(line, &wire); err != nil {
			return nil, protocolErr("malformed frame: " + err.Error())
		}
		return wire.classify()
	}
}
